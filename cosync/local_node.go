package cosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

type LocalNodeSettings struct {
	// nil uses the wall clock
	Clock func() time.Time
	// nil keeps values only in memory
	Storage             Storage
	StoreTimeout        time.Duration
	KeyCacheTtl         time.Duration
	ValueStoreSettings  *ValueStoreSettings
	SyncManagerSettings *SyncManagerSettings
}

func DefaultLocalNodeSettings() *LocalNodeSettings {
	return &LocalNodeSettings{
		StoreTimeout:        15 * time.Second,
		KeyCacheTtl:         5 * time.Minute,
		ValueStoreSettings:  DefaultValueStoreSettings(),
		SyncManagerSettings: DefaultSyncManagerSettings(),
	}
}

// one participant. Holds the agent secret, the current account and session,
// the available values, and the peer connections
type LocalNode struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *LocalNodeSettings

	secret  AgentSecret
	agentId AgentId

	stateLock sync.Mutex
	account   AccountOrAgentId
	sessionId SessionId
	// group id -> ids of the values it owns
	dependents map[CoValueId]map[CoValueId]bool

	// serializes writes to storage
	storeLock   sync.Mutex
	storedKnown map[CoValueId]*KnownState

	keyCache *ttlcache.Cache[string, KeySecret]

	valueStore  *ValueStore
	syncManager *SyncManager
}

func NewLocalNodeWithDefaults(ctx context.Context, agentSecret AgentSecret) (*LocalNode, error) {
	return NewLocalNode(ctx, agentSecret, DefaultLocalNodeSettings())
}

// the node starts out acting as the bare agent. Use `CreateAccount` or `UseAccount`
// to act as an account
func NewLocalNode(ctx context.Context, agentSecret AgentSecret, settings *LocalNodeSettings) (*LocalNode, error) {
	agentId, err := agentSecret.AgentId()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	keyCache := ttlcache.New[string, KeySecret](
		ttlcache.WithTTL[string, KeySecret](settings.KeyCacheTtl),
		ttlcache.WithDisableTouchOnHit[string, KeySecret](),
	)
	go keyCache.Start()

	node := &LocalNode{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		secret:      agentSecret,
		agentId:     agentId,
		account:     AccountOrAgentId(agentId),
		sessionId:   NewSessionId(AccountOrAgentId(agentId)),
		dependents:  map[CoValueId]map[CoValueId]bool{},
		storedKnown: map[CoValueId]*KnownState{},
		keyCache:    keyCache,
	}
	node.valueStore = NewValueStore(cancelCtx, node, settings.ValueStoreSettings)
	node.syncManager = NewSyncManager(cancelCtx, node, settings.SyncManagerSettings)

	go HandleError(func() {
		<-cancelCtx.Done()
		keyCache.Stop()
	})

	return node, nil
}

func (self *LocalNode) AgentId() AgentId {
	return self.agentId
}

func (self *LocalNode) SessionId() SessionId {
	return self.currentSessionId()
}

func (self *LocalNode) ValueStore() *ValueStore {
	return self.valueStore
}

func (self *LocalNode) SyncManager() *SyncManager {
	return self.syncManager
}

// the current account, or `ErrNoAccount` when the node acts as its bare agent
func (self *LocalNode) Account() (*Account, error) {
	account := self.currentAccount()
	if !account.IsAccount() {
		return nil, ErrNoAccount
	}
	core := self.availableCore(CoValueId(account))
	if core == nil {
		return nil, &UnavailableError{Id: CoValueId(account)}
	}
	return &Account{Group: Group{core: core}}, nil
}

// creates an account for the agent of this node and switches to it,
// with a public profile that carries `profileName`
func (self *LocalNode) CreateAccount(ctx context.Context, profileName string) (*Account, error) {
	header := newAccountHeader(self.agentId, self.now().UnixMilli())
	core, err := newCoValueCore(self, header)
	if err != nil {
		return nil, err
	}
	self.register(core, "")

	accountId := AccountOrAgentId(core.id)
	self.switchAccount(accountId)
	glog.Infof("[node]created account %s\n", accountId)

	account := &Account{Group: Group{core: core}}
	if err := self.initGroup(ctx, &account.Group); err != nil {
		return nil, err
	}

	profileGroup, err := self.CreateGroup(ctx)
	if err != nil {
		return nil, err
	}
	if err := profileGroup.AddMember(ctx, EveryoneMember, RoleReader); err != nil {
		return nil, err
	}
	profile, err := self.CreateMap(profileGroup, nil)
	if err != nil {
		return nil, err
	}
	if err := profile.SetWithPrivacy("name", profileName, PrivacyTrusting); err != nil {
		return nil, err
	}
	if err := account.Set(profileKey, profile.Id()); err != nil {
		return nil, err
	}
	return account, nil
}

// loads an existing account of this node's agent and switches to it
func (self *LocalNode) UseAccount(ctx context.Context, accountId AccountOrAgentId) (*Account, error) {
	if !accountId.IsAccount() {
		return nil, fmt.Errorf("Invalid account: %s", accountId)
	}
	core, err := self.load(ctx, CoValueId(accountId))
	if err != nil {
		return nil, err
	}
	agentId, err := accountAgent(core.header)
	if err != nil {
		return nil, err
	}
	if agentId != self.agentId {
		return nil, &PermissionError{
			Id:     core.id,
			Author: AccountOrAgentId(self.agentId),
			Role:   RoleNone,
		}
	}
	self.switchAccount(accountId)
	return &Account{Group: Group{core: core}}, nil
}

// every account starts a fresh session
func (self *LocalNode) switchAccount(account AccountOrAgentId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.account = account
	self.sessionId = NewSessionId(account)
}

// makes the current account admin of the group and sets the first read key
// an account instead names its agent as admin, since the account is always admin of itself
func (self *LocalNode) initGroup(ctx context.Context, group *Group) error {
	me := self.currentAccount()

	admin := me
	if group.core.header.Type == CoValueTypeAccount {
		admin = AccountOrAgentId(self.agentId)
	}
	roleOp, err := newSetOp(string(admin), RoleAdmin)
	if err != nil {
		return err
	}

	keySecret := NewKeySecret()
	keyId := keySecret.KeyId()
	revealOp, err := group.revealOp(ctx, keyId, keySecret, me)
	if err != nil {
		return err
	}
	readKeyOp, err := newSetOp(readKeyKey, keyId)
	if err != nil {
		return err
	}

	_, err = group.core.MakeTransaction([]any{roleOp, revealOp, readKeyOp}, PrivacyTrusting)
	return err
}

// a new group with the current account as admin
func (self *LocalNode) CreateGroup(ctx context.Context) (*Group, error) {
	header := &CoValueHeader{
		Type:       CoValueTypeGroup,
		Ruleset:    SelfGoverning(self.currentAccount()),
		CreatedAt:  self.now().UnixMilli(),
		Uniqueness: NewId().String(),
	}
	core, err := self.createCore(header)
	if err != nil {
		return nil, err
	}
	group := &Group{core: core}
	if err := self.initGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (self *LocalNode) createOwned(coValueType CoValueType, group *Group, meta any) (*CoValueCore, error) {
	var metaJson json.RawMessage
	if meta != nil {
		var err error
		metaJson, err = json.Marshal(meta)
		if err != nil {
			return nil, err
		}
	}
	if role := group.MyRole(); !role.CanWrite() {
		return nil, &PermissionError{
			Id:     group.Id(),
			Author: self.currentAccount(),
			Role:   role,
		}
	}
	return self.createCore(&CoValueHeader{
		Type:       coValueType,
		Ruleset:    OwnedByGroup(group.Id()),
		Meta:       metaJson,
		CreatedAt:  self.now().UnixMilli(),
		Uniqueness: NewId().String(),
	})
}

func (self *LocalNode) CreateMap(group *Group, meta any) (*CoMap, error) {
	core, err := self.createOwned(CoValueTypeMap, group, meta)
	if err != nil {
		return nil, err
	}
	return &CoMap{core: core}, nil
}

func (self *LocalNode) CreateList(group *Group, meta any) (*CoList, error) {
	core, err := self.createOwned(CoValueTypeList, group, meta)
	if err != nil {
		return nil, err
	}
	return &CoList{core: core}, nil
}

func (self *LocalNode) CreateStream(group *Group, meta any) (*CoStream, error) {
	core, err := self.createOwned(CoValueTypeStream, group, meta)
	if err != nil {
		return nil, err
	}
	return &CoStream{core: core}, nil
}

func (self *LocalNode) CreateBinaryStream(group *Group, meta any) (*BinaryCoStream, error) {
	core, err := self.createOwned(CoValueTypeBinaryStream, group, meta)
	if err != nil {
		return nil, err
	}
	return &BinaryCoStream{core: core}, nil
}

// creates a value from an explicit header, e.g. an `unsafeAllowAll` value
func (self *LocalNode) CreateCoValue(header *CoValueHeader) (*CoValueCore, error) {
	if header.CreatedAt == 0 {
		header.CreatedAt = self.now().UnixMilli()
	}
	if header.Uniqueness == "" {
		header.Uniqueness = NewId().String()
	}
	return self.createCore(header)
}

func (self *LocalNode) createCore(header *CoValueHeader) (*CoValueCore, error) {
	core, err := newCoValueCore(self, header)
	if err != nil {
		return nil, err
	}
	core = self.register(core, "")
	// persist and announce the header, which has no transactions yet
	self.persist(core)
	self.syncManager.SyncCoValue(core)
	return core, nil
}

// makes `core` available. Returns the core that is available for the id
func (self *LocalNode) register(core *CoValueCore, fromPeer PeerId) *CoValueCore {
	available := self.valueStore.Put(core, fromPeer)
	if available == core && core.header.Ruleset.Type == RulesetOwnedByGroup {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		groupId := core.header.Ruleset.Group
		ids, ok := self.dependents[groupId]
		if !ok {
			ids = map[CoValueId]bool{}
			self.dependents[groupId] = ids
		}
		ids[core.id] = true
	}
	return available
}

// waits until the value is available and returns its typed view
func (self *LocalNode) Load(ctx context.Context, id CoValueId) (CoValueView, error) {
	core, err := self.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return core.View(), nil
}

func (self *LocalNode) LoadCore(ctx context.Context, id CoValueId) (*CoValueCore, error) {
	return self.load(ctx, id)
}

// calls `callback` with the current view once the value is available,
// and again after every change of the value or its group
// until then, each change of the value state is reported with a nil view
func (self *LocalNode) Subscribe(id CoValueId, callback func(view CoValueView, kind ValueStateKind)) func() {
	var stateLock sync.Mutex
	closed := false
	var unsubscribeCore func()

	subscribeCore := func(core *CoValueCore) {
		stateLock.Lock()
		defer stateLock.Unlock()
		if closed || unsubscribeCore != nil {
			return
		}
		unsubscribeCore = core.Subscribe(func(core *CoValueCore) {
			callback(core.View(), ValueAvailable)
		})
		go HandleError(func() {
			callback(core.View(), ValueAvailable)
		})
	}

	state := self.valueStore.State(id)
	unsubscribeState := state.Subscribe(func(state *ValueState) {
		if core, ok := state.Core(); ok {
			subscribeCore(core)
			return
		}
		stateLock.Lock()
		skip := closed
		stateLock.Unlock()
		if !skip {
			callback(nil, state.Kind())
		}
	})
	if core, ok := state.Core(); ok {
		subscribeCore(core)
	} else {
		go HandleError(func() {
			self.valueStore.Request(id)
		})
	}

	return func() {
		unsubscribeState()
		stateLock.Lock()
		defer stateLock.Unlock()
		closed = true
		if unsubscribeCore != nil {
			unsubscribeCore()
		}
	}
}

// merges content received out of band, e.g. from a file export
func (self *LocalNode) ApplyContent(ctx context.Context, content *ContentMessage) (*CoValueCore, error) {
	var errs []error
	for _, dependencyId := range self.missingDependencies(content) {
		if _, err := self.load(ctx, dependencyId); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return self.applyContent("", content)
}

func (self *LocalNode) AddPeer(peerId PeerId, role PeerRole, transport Transport) {
	self.syncManager.AddPeer(peerId, role, transport)
}

func (self *LocalNode) RemovePeer(peerId PeerId) {
	self.syncManager.RemovePeer(peerId)
}

func (self *LocalNode) WaitForUploadIntoPeer(ctx context.Context, peerId PeerId, id CoValueId) error {
	return self.syncManager.WaitForUploadIntoPeer(ctx, peerId, id)
}

// waits until every server peer acked `id`
func (self *LocalNode) WaitForSync(ctx context.Context, id CoValueId) error {
	var errs []error
	for _, peerId := range self.syncManager.ServerPeerIds() {
		if err := self.WaitForUploadIntoPeer(ctx, peerId, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (self *LocalNode) Close() {
	self.syncManager.Close()
	self.cancel()
}

// persists the part of `core` that storage does not have yet
func (self *LocalNode) persist(core *CoValueCore) {
	storage := self.settings.Storage
	if storage == nil {
		return
	}

	self.storeLock.Lock()
	defer self.storeLock.Unlock()

	storedKnown := self.storedKnown[core.id]
	messages := core.NewContentSince(storedKnown, math.MaxInt)
	if len(messages) == 0 {
		return
	}
	var header *CoValueHeader
	txs := []*Transaction{}
	for _, message := range messages {
		if message.Header != nil {
			header = message.Header
		}
		txs = append(txs, message.Transactions...)
	}

	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	var err error
	store := func() {
		err = storage.Store(storeCtx, core.id, header, txs)
	}
	if glog.V(LogLevelDebug) {
		Trace(fmt.Sprintf("[node]store %s (%d)", core.id, len(txs)), store)
	} else {
		store()
	}
	if err != nil {
		glog.Infof("[node]%s store error = %s\n", core.id, err)
		return
	}

	if storedKnown == nil {
		storedKnown = NewKnownState(core.id)
		self.storedKnown[core.id] = storedKnown
	}
	for _, message := range messages {
		storedKnown.Combine(message.KnownAfter())
	}
}

// coreNode

func (self *LocalNode) resolveAgent(author AccountOrAgentId) (AgentId, error) {
	switch {
	case author.IsAgent():
		return AgentId(author), nil
	case author.IsAccount():
		core := self.availableCore(CoValueId(author))
		if core == nil {
			return "", &UnavailableError{Id: CoValueId(author)}
		}
		return accountAgent(core.header)
	default:
		return "", fmt.Errorf("Invalid author: %s", author)
	}
}

func (self *LocalNode) loadAgent(ctx context.Context, author AccountOrAgentId) (AgentId, error) {
	if author.IsAccount() {
		if _, err := self.load(ctx, CoValueId(author)); err != nil {
			return "", err
		}
	}
	return self.resolveAgent(author)
}

func (self *LocalNode) load(ctx context.Context, id CoValueId) (*CoValueCore, error) {
	return self.valueStore.Load(ctx, id)
}

func (self *LocalNode) loadFrom(ctx context.Context, id CoValueId, peerId PeerId) (*CoValueCore, error) {
	return self.valueStore.LoadFrom(ctx, id, peerId)
}

func (self *LocalNode) availableCore(id CoValueId) *CoValueCore {
	return self.valueStore.Core(id)
}

func (self *LocalNode) agentSecret() AgentSecret {
	return self.secret
}

func (self *LocalNode) currentAccount() AccountOrAgentId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.account
}

func (self *LocalNode) currentSessionId() SessionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionId
}

func (self *LocalNode) now() time.Time {
	if self.settings.Clock != nil {
		return self.settings.Clock()
	}
	return time.Now()
}

func keyCacheKey(groupId CoValueId, keyId KeyId) string {
	return fmt.Sprintf("%s/%s", groupId, keyId)
}

func (self *LocalNode) cachedKeySecret(groupId CoValueId, keyId KeyId) (KeySecret, bool) {
	item := self.keyCache.Get(keyCacheKey(groupId, keyId))
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (self *LocalNode) cacheKeySecret(groupId CoValueId, keyId KeyId, keySecret KeySecret) {
	self.keyCache.Set(keyCacheKey(groupId, keyId), keySecret, ttlcache.DefaultTTL)
}

func (self *LocalNode) coreUpdated(core *CoValueCore) {
	self.persist(core)

	core.notifyListeners()
	if core.header.Type.IsGroup() {
		// values owned by the group may have changed validity or become readable
		self.stateLock.Lock()
		dependentIds := sortedKeys(self.dependents[core.id])
		self.stateLock.Unlock()
		for _, dependentId := range dependentIds {
			if dependent := self.availableCore(dependentId); dependent != nil {
				dependent.notifyListeners()
			}
		}
	}

	self.syncManager.SyncCoValue(core)
}

// valueSource

// signer accounts may load from peers
func (self *LocalNode) loadLocal(ctx context.Context, id CoValueId) (*CoValueCore, error) {
	loadSigner := func(signerId CoValueId) error {
		_, err := self.load(ctx, signerId)
		return err
	}
	if glog.V(LogLevelDebug) {
		return TraceWithReturnError(fmt.Sprintf("[node]load local %s", id), func() (*CoValueCore, error) {
			return self.loadFromStorage(ctx, id, loadSigner)
		})
	}
	return self.loadFromStorage(ctx, id, loadSigner)
}

func (self *LocalNode) loadFromStorage(ctx context.Context, id CoValueId, loadSigner func(CoValueId) error) (*CoValueCore, error) {
	storage := self.settings.Storage
	if storage == nil {
		return nil, ErrNotFound
	}
	stored, err := storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	core, err := newCoValueCore(self, stored.Header)
	if err != nil {
		return nil, err
	}
	if core.id != id {
		return nil, fmt.Errorf("%w: stored %s", ErrHeaderMismatch, id)
	}

	func() {
		self.storeLock.Lock()
		defer self.storeLock.Unlock()
		storedKnown := NewKnownState(id)
		storedKnown.Header = true
		for sessionId, txs := range stored.Sessions {
			storedKnown.Sessions[sessionId] = len(txs)
		}
		self.storedKnown[id] = storedKnown
	}()

	// signers must be available before the transactions can be verified
	for _, sessionId := range sortedKeys(stored.Sessions) {
		author, err := sessionId.Author()
		if err != nil || !author.IsAccount() || CoValueId(author) == id {
			continue
		}
		if err := loadSigner(CoValueId(author)); err != nil {
			glog.Infof("[node]%s signer %s error = %s\n", id, author, err)
		}
	}

	if available := self.register(core, ""); available != core {
		return available, nil
	}
	for _, sessionId := range sortedKeys(stored.Sessions) {
		if _, err := core.TryAddTransactions(sessionId, 0, stored.Sessions[sessionId]); err != nil {
			glog.Infof("[node]%s stored session %s error = %s\n", id, sessionId, err)
		}
	}
	return core, nil
}

func (self *LocalNode) loadPeers(id CoValueId) []PeerId {
	return self.syncManager.ServerPeerIds()
}

func (self *LocalNode) requestFromPeer(id CoValueId, peerId PeerId) {
	if err := self.syncManager.RequestLoad(id, peerId); err != nil {
		self.valueStore.PeerNotFound(id, peerId)
	}
}

// syncNode

// like `loadLocal` but signer accounts also come only from storage, so it never waits on peers
func (self *LocalNode) loadStored(ctx context.Context, id CoValueId) (*CoValueCore, error) {
	return self.loadStoredVisiting(ctx, id, map[CoValueId]bool{})
}

func (self *LocalNode) loadStoredVisiting(ctx context.Context, id CoValueId, visiting map[CoValueId]bool) (*CoValueCore, error) {
	if core := self.availableCore(id); core != nil {
		return core, nil
	}
	visiting[id] = true
	return self.loadFromStorage(ctx, id, func(signerId CoValueId) error {
		if visiting[signerId] {
			return nil
		}
		_, err := self.loadStoredVisiting(ctx, signerId, visiting)
		return err
	})
}

func (self *LocalNode) coreDependencies(core *CoValueCore) []CoValueId {
	dependencyIds := core.header.Dependencies()
	for _, sessionId := range core.SessionIds() {
		author, err := sessionId.Author()
		if err != nil || !author.IsAccount() || CoValueId(author) == core.id {
			continue
		}
		dependencyIds = append(dependencyIds, CoValueId(author))
	}
	slices.Sort(dependencyIds)
	return slices.Compact(dependencyIds)
}

func (self *LocalNode) missingDependencies(content *ContentMessage) []CoValueId {
	header := content.Header
	if header == nil {
		if core := self.availableCore(content.Id); core != nil {
			header = core.header
		}
	}

	dependencyIds := []CoValueId{}
	if header != nil {
		dependencyIds = append(dependencyIds, header.Dependencies()...)
	}
	if author, err := content.SessionId.Author(); err == nil && author.IsAccount() {
		dependencyIds = append(dependencyIds, CoValueId(author))
	}
	slices.Sort(dependencyIds)
	dependencyIds = slices.Compact(dependencyIds)

	missing := []CoValueId{}
	for _, dependencyId := range dependencyIds {
		if dependencyId == content.Id {
			continue
		}
		if self.availableCore(dependencyId) == nil {
			missing = append(missing, dependencyId)
		}
	}
	return missing
}

func (self *LocalNode) applyContent(peerId PeerId, content *ContentMessage) (*CoValueCore, error) {
	core := self.availableCore(content.Id)
	if core == nil {
		if stored, err := self.loadStored(self.ctx, content.Id); err == nil {
			core = stored
		}
	}
	if core == nil {
		if content.Header == nil {
			return nil, &UnavailableError{Id: content.Id}
		}
		newCore, err := newCoValueCore(self, content.Header)
		if err != nil {
			return nil, err
		}
		if newCore.id != content.Id {
			return nil, ErrHeaderMismatch
		}
		core = self.register(newCore, peerId)
		if core == newCore {
			self.persist(core)
		}
	}

	if len(content.Transactions) == 0 {
		return core, nil
	}
	_, err := core.TryAddTransactions(content.SessionId, content.After, content.Transactions)
	return core, err
}

func (self *LocalNode) valueNotFound(id CoValueId, peerId PeerId) {
	self.valueStore.PeerNotFound(id, peerId)
}

func (self *LocalNode) peerAdded(peerId PeerId) {
	self.valueStore.PeerAdded(peerId)
}

func (self *LocalNode) peerRemoved(peerId PeerId) {
	self.valueStore.PeerRemoved(peerId)
}

func (self *LocalNode) availableIds() []CoValueId {
	return self.valueStore.AvailableIds()
}
