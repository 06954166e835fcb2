package cosync

import (
	"context"
	"fmt"
	"sync"
)

type StoredCoValue struct {
	Header   *CoValueHeader
	Sessions map[SessionId][]*Transaction
}

// storage backends persist the header and the signed transactions as they were received
// `Store` must be idempotent under duplicate delivery
type Storage interface {
	// `ErrNotFound` when the id is not stored
	Load(ctx context.Context, id CoValueId) (*StoredCoValue, error)
	// each tx carries its session id and index
	Store(ctx context.Context, id CoValueId, header *CoValueHeader, txs []*Transaction) error
}

type MemoryStorage struct {
	stateLock sync.Mutex
	values    map[CoValueId]*StoredCoValue
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[CoValueId]*StoredCoValue{},
	}
}

func (self *MemoryStorage) Load(ctx context.Context, id CoValueId) (*StoredCoValue, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored, ok := self.values[id]
	if !ok {
		return nil, ErrNotFound
	}
	sessions := map[SessionId][]*Transaction{}
	for sessionId, txs := range stored.Sessions {
		sessions[sessionId] = append([]*Transaction{}, txs...)
	}
	return &StoredCoValue{
		Header:   stored.Header,
		Sessions: sessions,
	}, nil
}

func (self *MemoryStorage) Store(ctx context.Context, id CoValueId, header *CoValueHeader, txs []*Transaction) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored, ok := self.values[id]
	if !ok {
		if header == nil {
			return fmt.Errorf("Missing header for %s", id)
		}
		stored = &StoredCoValue{
			Header:   header,
			Sessions: map[SessionId][]*Transaction{},
		}
		self.values[id] = stored
	}
	for _, tx := range txs {
		sessionTxs := stored.Sessions[tx.SessionId]
		switch {
		case tx.TxIndex < len(sessionTxs):
			// already stored
		case tx.TxIndex == len(sessionTxs):
			stored.Sessions[tx.SessionId] = append(sessionTxs, tx)
		default:
			return fmt.Errorf("Gap in %s session %s at %d", id, tx.SessionId, tx.TxIndex)
		}
	}
	return nil
}

func (self *MemoryStorage) Ids() []CoValueId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedKeys(self.values)
}
