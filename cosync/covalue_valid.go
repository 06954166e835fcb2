package cosync

import (
	"encoding/json"
	"slices"

	"github.com/golang/glog"
)

type Validity int

const (
	// the governing group or the read key is not available yet
	ValidityPending Validity = iota
	ValidityValid
	ValidityInvalid
)

// a valid transaction with its changes decoded
type DecodedTransaction struct {
	TxId     TransactionId
	Position TxPosition
	Author   AccountOrAgentId
	Privacy  Privacy
	Changes  []json.RawMessage
}

type validCache struct {
	ownVersion uint64
	// 0 when the group is not available
	groupVersion uint64
	transactions []*DecodedTransaction
	validity     map[TransactionId]Validity
	// valid transactions that could not be decoded yet
	opaqueCount int
}

// all transactions in total order
func (self *CoValueCore) sortedTransactions() []*Transaction {
	count := 0
	for _, log := range self.sessions {
		count += len(log.transactions)
	}
	txs := make([]*Transaction, 0, count)
	for _, log := range self.sessions {
		txs = append(txs, log.transactions...)
	}
	slices.SortFunc(txs, func(a *Transaction, b *Transaction) int {
		return a.Position().Compare(b.Position())
	})
	return txs
}

func (self *CoValueCore) ValidSortedTransactions() []*DecodedTransaction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.validSortedTransactions()
}

func (self *CoValueCore) Validity(txId TransactionId) Validity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.validSortedTransactions()
	return self.validCache.validity[txId]
}

// the owning group core, if this is owned by a group that is available
func (self *CoValueCore) owningGroup() *CoValueCore {
	if self.header.Ruleset.Type != RulesetOwnedByGroup {
		return nil
	}
	return self.node.availableCore(self.header.Ruleset.Group)
}

// must be called with the state lock
func (self *CoValueCore) validSortedTransactions() []*DecodedTransaction {
	group := self.owningGroup()
	var groupVersion uint64
	if group != nil {
		groupVersion = group.Version() + 1
	}

	if cache := self.validCache; cache != nil && cache.ownVersion == self.version && cache.groupVersion == groupVersion {
		return cache.transactions
	}

	txs := self.sortedTransactions()
	cache := &validCache{
		ownVersion:   self.version,
		groupVersion: groupVersion,
		transactions: []*DecodedTransaction{},
		validity:     map[TransactionId]Validity{},
	}

	authorOf := func(tx *Transaction) AccountOrAgentId {
		// session ids are validated when the signer is resolved
		author, _ := tx.SessionId.Author()
		return author
	}

	switch self.header.Ruleset.Type {
	case RulesetUnsafeAllowAll:
		for _, tx := range txs {
			cache.validity[tx.TxId()] = ValidityValid
		}
	case RulesetOwnedByGroup:
		switch {
		case group == nil:
			for _, tx := range txs {
				cache.validity[tx.TxId()] = ValidityPending
			}
		case !group.header.Type.IsGroup():
			glog.Infof("[core]%s owner %s is not a group\n", self.id, group.id)
			for _, tx := range txs {
				cache.validity[tx.TxId()] = ValidityInvalid
			}
		default:
			for _, tx := range txs {
				author := authorOf(tx)
				role := group.RoleAt(author, tx.Position())
				if role.CanWrite() {
					cache.validity[tx.TxId()] = ValidityValid
				} else {
					if glog.V(2) {
						err := &PermissionError{
							Id:     self.id,
							TxId:   tx.TxId(),
							Author: author,
							Role:   role,
						}
						glog.Infof("[core]invalid = %s\n", err)
					}
					cache.validity[tx.TxId()] = ValidityInvalid
				}
			}
		}
	case RulesetGroup:
		groupState := self.groupStateLocked()
		for _, tx := range txs {
			if groupState.valid[tx.TxId()] {
				cache.validity[tx.TxId()] = ValidityValid
			} else {
				cache.validity[tx.TxId()] = ValidityInvalid
			}
		}
	}

	for _, tx := range txs {
		txId := tx.TxId()
		switch cache.validity[txId] {
		case ValidityPending:
			cache.opaqueCount += 1
			continue
		case ValidityInvalid:
			continue
		}
		if self.malformed[txId] {
			cache.validity[txId] = ValidityInvalid
			continue
		}

		var changesJson []byte
		switch tx.Privacy {
		case PrivacyPrivate:
			if group == nil {
				// only owned values can be private
				cache.validity[txId] = ValidityInvalid
				continue
			}
			keySecret, err := group.ReadKeySecret(tx.KeyUsed)
			if err != nil {
				glog.V(2).Infof("[core]%s opaque %s = %s\n", self.id, txId, err)
				cache.opaqueCount += 1
				continue
			}
			changesJson, err = Decrypt(keySecret, tx.EncryptedChanges, txNonceMaterial(self.id, txId))
			if err != nil {
				self.dropMalformed(txId, err)
				cache.validity[txId] = ValidityInvalid
				continue
			}
		default:
			changesJson = tx.Changes
		}

		var changes []json.RawMessage
		if err := json.Unmarshal(changesJson, &changes); err != nil {
			self.dropMalformed(txId, err)
			cache.validity[txId] = ValidityInvalid
			continue
		}

		cache.transactions = append(cache.transactions, &DecodedTransaction{
			TxId:     txId,
			Position: tx.Position(),
			Author:   authorOf(tx),
			Privacy:  tx.Privacy,
			Changes:  changes,
		})
	}

	bufferedCount := 0
	for _, sessionBuffered := range self.buffered {
		bufferedCount += len(sessionBuffered)
	}
	var loadState LoadState
	switch {
	case cache.opaqueCount == 0 && bufferedCount == 0:
		loadState = LoadStateFullyLoaded
	case 0 < len(cache.transactions):
		loadState = LoadStatePartiallyLoaded
	default:
		loadState = LoadStateEmpty
	}
	if self.loadState < loadState {
		self.loadState = loadState
	}

	self.validCache = cache
	return cache.transactions
}

// malformed transactions stay malformed, so each is logged and counted once
// must be called with the state lock
func (self *CoValueCore) dropMalformed(txId TransactionId, err error) {
	if self.malformed[txId] {
		return
	}
	self.malformed[txId] = true
	glog.Infof("[core]%s drop %s = %s\n", self.id, txId, &MalformedTransactionError{
		Id:   self.id,
		TxId: txId,
		Err:  err,
	})
	transactionsRejected.WithLabelValues("malformed").Inc()
}
