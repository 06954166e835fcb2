package cosync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type Privacy int

const (
	PrivacyTrusting Privacy = 1
	PrivacyPrivate  Privacy = 2
)

func (self Privacy) String() string {
	switch self {
	case PrivacyTrusting:
		return "trusting"
	case PrivacyPrivate:
		return "private"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func (self Privacy) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Privacy) UnmarshalJSON(src []byte) error {
	var s string
	if err := json.Unmarshal(src, &s); err != nil {
		return err
	}
	switch s {
	case "trusting":
		*self = PrivacyTrusting
	case "private":
		*self = PrivacyPrivate
	default:
		return fmt.Errorf("Unknown privacy: %s", s)
	}
	return nil
}

// immutable once created
// trusting transactions carry json `Changes`,
// private transactions carry `EncryptedChanges` under the group read key `KeyUsed`
type Transaction struct {
	SessionId        SessionId       `json:"sessionId"`
	TxIndex          int             `json:"txIndex"`
	Privacy          Privacy         `json:"privacy"`
	MadeAt           int64           `json:"madeAt"`
	Changes          json.RawMessage `json:"changes,omitempty"`
	EncryptedChanges []byte          `json:"encryptedChanges,omitempty"`
	KeyUsed          KeyId           `json:"keyUsed,omitempty"`
	Signature        Signature       `json:"signature"`
}

func (self *Transaction) TxId() TransactionId {
	return TransactionId{
		SessionId: self.SessionId,
		TxIndex:   self.TxIndex,
	}
}

func (self *Transaction) Position() TxPosition {
	return TxPosition{
		MadeAt:    self.MadeAt,
		SessionId: self.SessionId,
		TxIndex:   self.TxIndex,
	}
}

// per session counts of transactions
type KnownState struct {
	Id       CoValueId
	Header   bool
	Sessions map[SessionId]int
}

func NewKnownState(id CoValueId) *KnownState {
	return &KnownState{
		Id:       id,
		Sessions: map[SessionId]int{},
	}
}

func (self *KnownState) Clone() *KnownState {
	sessions := make(map[SessionId]int, len(self.Sessions))
	for sessionId, count := range self.Sessions {
		sessions[sessionId] = count
	}
	return &KnownState{
		Id:       self.Id,
		Header:   self.Header,
		Sessions: sessions,
	}
}

// true if this state includes everything in `b`
func (self *KnownState) Covers(b *KnownState) bool {
	if b.Header && !self.Header {
		return false
	}
	for sessionId, count := range b.Sessions {
		if self.Sessions[sessionId] < count {
			return false
		}
	}
	return true
}

// merges `b` into this state, keeping the max per session
func (self *KnownState) Combine(b *KnownState) {
	self.Header = self.Header || b.Header
	for sessionId, count := range b.Sessions {
		if self.Sessions[sessionId] < count {
			self.Sessions[sessionId] = count
		}
	}
}

type LoadState int

const (
	LoadStateEmpty LoadState = iota
	LoadStatePartiallyLoaded
	LoadStateFullyLoaded
)

func (self LoadState) String() string {
	switch self {
	case LoadStateEmpty:
		return "empty"
	case LoadStatePartiallyLoaded:
		return "partiallyLoaded"
	case LoadStateFullyLoaded:
		return "fullyLoaded"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// what a core needs from the node that owns it
type coreNode interface {
	// the agent that signs for an author. Accounts resolve through their header
	resolveAgent(author AccountOrAgentId) (AgentId, error)
	// like `resolveAgent` but loads the account when it is not available
	loadAgent(ctx context.Context, author AccountOrAgentId) (AgentId, error)
	load(ctx context.Context, id CoValueId) (*CoValueCore, error)
	availableCore(id CoValueId) *CoValueCore
	agentSecret() AgentSecret
	currentAccount() AccountOrAgentId
	currentSessionId() SessionId
	now() time.Time
	cachedKeySecret(groupId CoValueId, keyId KeyId) (KeySecret, bool)
	cacheKeySecret(groupId CoValueId, keyId KeyId, keySecret KeySecret)
	// called outside the core lock after new transactions were appended
	coreUpdated(core *CoValueCore)
}

type sessionLog struct {
	transactions []*Transaction
	lastHash     ContentHash
	// the last `MadeAt`, so that local transactions never go back in time within a session
	lastMadeAt int64
}

func newSessionLog(id CoValueId, sessionId SessionId) *sessionLog {
	return &sessionLog{
		transactions: []*Transaction{},
		lastHash:     Hash([]byte(fmt.Sprintf("%s/%s", id, sessionId))),
	}
}

// the hash chain link for the next transaction
func (self *sessionLog) nextHash(tx *Transaction) ContentHash {
	txBytes := appendTransactionFields(nil, tx, false)
	b := make([]byte, 0, len(self.lastHash)+len(txBytes))
	b = append(b, self.lastHash[:]...)
	b = append(b, txBytes...)
	return Hash(b)
}

func (self *sessionLog) appendVerified(signerId SignerId, tx *Transaction) error {
	nextHash := self.nextHash(tx)
	if err := VerifySignature(signerId, nextHash[:], tx.Signature); err != nil {
		return err
	}
	self.transactions = append(self.transactions, tx)
	self.lastHash = nextHash
	if self.lastMadeAt < tx.MadeAt {
		self.lastMadeAt = tx.MadeAt
	}
	return nil
}

// owns the full multi-session log for one covalue, plus the cached validated view
// the set of (sessionId, txIndex) is a set, and merging is idempotent
// how far past the end of a session log a transaction may arrive and still be buffered
// anything further is dropped and arrives again once the gap is resent
const MaxBufferedTransactions = 1024

type CoValueCore struct {
	id     CoValueId
	header *CoValueHeader
	node   coreNode

	stateLock sync.Mutex
	sessions  map[SessionId]*sessionLog
	// transactions that arrived ahead of a gap, waiting for the missing predecessor
	buffered map[SessionId]map[int]*Transaction
	// transactions that failed to decrypt or decode
	malformed map[TransactionId]bool
	// incremented on every append
	version uint64

	validCache      *validCache
	groupStateCache *groupState
	resolvedFor     *validCache
	resolved        any
	loadState       LoadState

	listeners *CallbackList[func(*CoValueCore)]
}

func newCoValueCore(node coreNode, header *CoValueHeader) (*CoValueCore, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}
	id, err := header.Id()
	if err != nil {
		return nil, err
	}
	return &CoValueCore{
		id:        id,
		header:    header,
		node:      node,
		sessions:  map[SessionId]*sessionLog{},
		buffered:  map[SessionId]map[int]*Transaction{},
		malformed: map[TransactionId]bool{},
		listeners: NewCallbackList[func(*CoValueCore)](),
	}, nil
}

func (self *CoValueCore) Id() CoValueId {
	return self.id
}

// immutable
func (self *CoValueCore) Header() *CoValueHeader {
	return self.header
}

func (self *CoValueCore) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *CoValueCore) KnownState() *KnownState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	knownState := NewKnownState(self.id)
	knownState.Header = true
	for sessionId, log := range self.sessions {
		knownState.Sessions[sessionId] = len(log.transactions)
	}
	return knownState
}

func (self *CoValueCore) BufferedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, txs := range self.buffered {
		count += len(txs)
	}
	return count
}

func (self *CoValueCore) Transactions(sessionId SessionId) []*Transaction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	log, ok := self.sessions[sessionId]
	if !ok {
		return nil
	}
	txs := make([]*Transaction, len(log.transactions))
	copy(txs, log.transactions)
	return txs
}

func (self *CoValueCore) SessionIds() []SessionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedKeys(self.sessions)
}

func (self *CoValueCore) signerFor(sessionId SessionId) (SignerId, error) {
	author, err := sessionId.Author()
	if err != nil {
		return "", err
	}
	agentId, err := self.node.resolveAgent(author)
	if err != nil {
		return "", err
	}
	return agentId.SignerId()
}

// merges transactions `txs` of a session, where the first has index `after`
// returns the number of newly appended transactions
// - known indices are a no-op
// - indices past a gap are buffered until the gap fills
// - a transaction that fails signature verification is rejected with the rest of the batch
func (self *CoValueCore) TryAddTransactions(sessionId SessionId, after int, txs []*Transaction) (int, error) {
	signerId, err := self.signerFor(sessionId)
	if err != nil {
		return 0, fmt.Errorf("%w: signer for %s: %s", ErrDependencyUnavailable, sessionId, err)
	}

	added, rejectErr := func() (int, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		log, ok := self.sessions[sessionId]
		if !ok {
			log = newSessionLog(self.id, sessionId)
		}

		added := 0
		dropped := 0
		var rejectErr error

		drain := func() {
			sessionBuffered := self.buffered[sessionId]
			for 0 < len(sessionBuffered) {
				nextIndex := len(log.transactions)
				tx, ok := sessionBuffered[nextIndex]
				if !ok {
					break
				}
				delete(sessionBuffered, nextIndex)
				if err := log.appendVerified(signerId, tx); err != nil {
					glog.Infof("[core]%s buffered %s rejected = %s\n", self.id, tx.TxId(), err)
					// successors cannot chain onto a rejected transaction
					for index, _ := range sessionBuffered {
						if nextIndex < index {
							delete(sessionBuffered, index)
						}
					}
					break
				}
				added += 1
			}
			if len(sessionBuffered) == 0 {
				delete(self.buffered, sessionId)
			}
		}

		for i, tx := range txs {
			txCopy := *tx
			txCopy.SessionId = sessionId
			txCopy.TxIndex = after + i

			if txCopy.TxIndex < len(log.transactions) {
				// already known
				continue
			}
			if len(log.transactions)+MaxBufferedTransactions <= txCopy.TxIndex {
				dropped += len(txs) - i
				break
			}
			if len(log.transactions) < txCopy.TxIndex {
				sessionBuffered, ok := self.buffered[sessionId]
				if !ok {
					sessionBuffered = map[int]*Transaction{}
					self.buffered[sessionId] = sessionBuffered
				}
				sessionBuffered[txCopy.TxIndex] = &txCopy
				continue
			}
			if err := log.appendVerified(signerId, &txCopy); err != nil {
				rejectErr = err
				break
			}
			added += 1
			drain()
		}

		if 0 < added {
			self.sessions[sessionId] = log
			self.version += 1
		}
		if 0 < dropped {
			glog.V(1).Infof("[core]%s dropped %d transactions past the buffer of %s\n", self.id, dropped, sessionId)
			transactionsRejected.WithLabelValues("gap").Add(float64(dropped))
		}
		return added, rejectErr
	}()

	if rejectErr != nil {
		glog.Infof("[core]%s rejected transactions from %s = %s\n", self.id, sessionId, rejectErr)
		transactionsRejected.WithLabelValues("crypto").Inc()
	}
	if 0 < added {
		transactionsMerged.Add(float64(added))
		self.node.coreUpdated(self)
	}
	return added, rejectErr
}

// creates, signs and appends a local transaction in the node's current session
func (self *CoValueCore) MakeTransaction(changes []any, privacy Privacy) (*Transaction, error) {
	sessionId := self.node.currentSessionId()
	if sessionId == "" {
		return nil, ErrNoAccount
	}
	author := self.node.currentAccount()

	changesJson, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}

	var group *CoValueCore
	if self.header.Ruleset.Type == RulesetOwnedByGroup {
		group = self.node.availableCore(self.header.Ruleset.Group)
		if group == nil {
			return nil, fmt.Errorf("%w: group %s", ErrDependencyUnavailable, self.header.Ruleset.Group)
		}
		if role := group.RoleAt(author, LatestPosition()); !role.CanWrite() {
			return nil, &PermissionError{
				Id:     self.id,
				Author: author,
				Role:   role,
			}
		}
	}

	var keyId KeyId
	var keySecret KeySecret
	if privacy == PrivacyPrivate {
		if group == nil {
			return nil, fmt.Errorf("Private transactions require an owning group.")
		}
		keyId, keySecret, err = group.CurrentReadKey()
		if err != nil {
			return nil, err
		}
	}

	signerSecret := self.node.agentSecret().SignerSecret()

	tx, err := func() (*Transaction, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		log, ok := self.sessions[sessionId]
		if !ok {
			log = newSessionLog(self.id, sessionId)
		}

		madeAt := self.node.now().UnixMilli()
		if madeAt < log.lastMadeAt {
			madeAt = log.lastMadeAt
		}

		tx := &Transaction{
			SessionId: sessionId,
			TxIndex:   len(log.transactions),
			Privacy:   privacy,
			MadeAt:    madeAt,
		}
		switch privacy {
		case PrivacyPrivate:
			encryptedChanges, err := Encrypt(keySecret, changesJson, txNonceMaterial(self.id, tx.TxId()))
			if err != nil {
				return nil, err
			}
			tx.EncryptedChanges = encryptedChanges
			tx.KeyUsed = keyId
		default:
			tx.Privacy = PrivacyTrusting
			tx.Changes = changesJson
		}

		nextHash := log.nextHash(tx)
		signature, err := Sign(signerSecret, nextHash[:])
		if err != nil {
			return nil, err
		}
		tx.Signature = signature

		log.transactions = append(log.transactions, tx)
		log.lastHash = nextHash
		log.lastMadeAt = madeAt
		self.sessions[sessionId] = log
		self.version += 1
		return tx, nil
	}()
	if err != nil {
		return nil, err
	}

	transactionsMerged.Inc()
	self.node.coreUpdated(self)
	return tx, nil
}

// values owned by a group are private unless asked otherwise
func (self *CoValueCore) defaultPrivacy() Privacy {
	if self.header.Ruleset.Type == RulesetOwnedByGroup {
		return PrivacyPrivate
	}
	return PrivacyTrusting
}

func txNonceMaterial(id CoValueId, txId TransactionId) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", id, txId.SessionId, txId.TxIndex))
}

// content messages with everything past `knownState`
// `knownState` nil means the peer knows nothing
func (self *CoValueCore) NewContentSince(knownState *KnownState, maxBatchSize int) []*ContentMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}

	priority := PriorityForHeader(self.header)
	var header *CoValueHeader
	if knownState == nil || !knownState.Header {
		header = self.header
	}

	messages := []*ContentMessage{}
	for _, sessionId := range sortedKeys(self.sessions) {
		log := self.sessions[sessionId]
		start := 0
		if knownState != nil {
			start = max(knownState.Sessions[sessionId], 0)
		}
		for start < len(log.transactions) {
			end := min(start+maxBatchSize, len(log.transactions))
			txs := make([]*Transaction, end-start)
			copy(txs, log.transactions[start:end])
			messages = append(messages, &ContentMessage{
				Id:           self.id,
				Header:       header,
				Priority:     priority,
				SessionId:    sessionId,
				After:        start,
				Transactions: txs,
			})
			header = nil
			start = end
		}
	}
	if header != nil {
		messages = append(messages, &ContentMessage{
			Id:       self.id,
			Header:   header,
			Priority: priority,
		})
	}
	return messages
}

// the resolver state. Never regresses
func (self *CoValueCore) LoadState() LoadState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.validSortedTransactions()
	return self.loadState
}

// `callback` fires after each merge of new transactions, outside of any lock
func (self *CoValueCore) Subscribe(callback func(*CoValueCore)) func() {
	callbackId := self.listeners.Add(callback)
	return func() {
		self.listeners.Remove(callbackId)
	}
}

func (self *CoValueCore) notifyListeners() {
	for _, callback := range self.listeners.Get() {
		HandleError(func() {
			callback(self)
		})
	}
}

// the resolved projection for the header type
func (self *CoValueCore) View() CoValueView {
	switch self.header.Type {
	case CoValueTypeMap:
		return &CoMap{core: self}
	case CoValueTypeList:
		return &CoList{core: self}
	case CoValueTypeStream:
		return &CoStream{core: self}
	case CoValueTypeBinaryStream:
		return &BinaryCoStream{core: self}
	case CoValueTypeGroup:
		return &Group{core: self}
	case CoValueTypeAccount:
		return &Account{Group: Group{core: self}}
	default:
		// headers are validated on creation
		panic(fmt.Errorf("Unknown covalue type: %s", self.header.Type))
	}
}

type CoValueView interface {
	Id() CoValueId
	Core() *CoValueCore
	LoadState() LoadState
}

// runs `build` over the valid sorted transactions and caches the result until they change
// `build` runs under the core lock and must not call back into the core
func (self *CoValueCore) resolve(build func(txs []*DecodedTransaction) any) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.validSortedTransactions()
	if self.resolved != nil && self.resolvedFor == self.validCache {
		return self.resolved
	}
	self.resolved = build(self.validCache.transactions)
	self.resolvedFor = self.validCache
	return self.resolved
}
