package cosync

import (
	"encoding/json"
	"slices"
)

type StreamEntry struct {
	TxId      TransactionId
	ChangeIdx int
	Position  TxPosition
	Author    AccountOrAgentId
	Value     json.RawMessage
}

type streamState struct {
	sessions map[SessionId][]*StreamEntry
}

// each session is its own sub stream, ordered by the session index
func buildStreamState(txs []*DecodedTransaction) *streamState {
	streamState := &streamState{
		sessions: map[SessionId][]*StreamEntry{},
	}
	for _, tx := range txs {
		for changeIdx, change := range tx.Changes {
			sessionId := tx.TxId.SessionId
			streamState.sessions[sessionId] = append(streamState.sessions[sessionId], &StreamEntry{
				TxId:      tx.TxId,
				ChangeIdx: changeIdx,
				Position:  tx.Position,
				Author:    tx.Author,
				Value:     change,
			})
		}
	}
	for _, entries := range streamState.sessions {
		slices.SortStableFunc(entries, func(a *StreamEntry, b *StreamEntry) int {
			if a.TxId.TxIndex != b.TxId.TxIndex {
				return a.TxId.TxIndex - b.TxId.TxIndex
			}
			return a.ChangeIdx - b.ChangeIdx
		})
	}
	return streamState
}

type CoStream struct {
	core *CoValueCore
}

func (self *CoStream) Id() CoValueId {
	return self.core.id
}

func (self *CoStream) Core() *CoValueCore {
	return self.core
}

func (self *CoStream) LoadState() LoadState {
	return self.core.LoadState()
}

func (self *CoStream) state() *streamState {
	return self.core.resolve(func(txs []*DecodedTransaction) any {
		return buildStreamState(txs)
	}).(*streamState)
}

func (self *CoStream) Sessions() []SessionId {
	return sortedKeys(self.state().sessions)
}

func (self *CoStream) Entries(sessionId SessionId) []*StreamEntry {
	return slices.Clone(self.state().sessions[sessionId])
}

func (self *CoStream) LatestPerSession() map[SessionId]*StreamEntry {
	latest := map[SessionId]*StreamEntry{}
	for sessionId, entries := range self.state().sessions {
		if 0 < len(entries) {
			latest[sessionId] = entries[len(entries)-1]
		}
	}
	return latest
}

// the latest entry of the sessions of this node's account
func (self *CoStream) MyLatest() (*StreamEntry, bool) {
	me := self.core.node.currentAccount()
	var myLatest *StreamEntry
	for _, entry := range self.LatestPerSession() {
		if entry.Author != me {
			continue
		}
		if myLatest == nil || myLatest.Position.Before(entry.Position) {
			myLatest = entry
		}
	}
	return myLatest, myLatest != nil
}

func (self *CoStream) Push(value any) error {
	return self.PushWithPrivacy(value, self.core.defaultPrivacy())
}

func (self *CoStream) PushWithPrivacy(value any, privacy Privacy) error {
	_, err := self.core.MakeTransaction([]any{value}, privacy)
	return err
}

// session id to the values of the session
func (self *CoStream) MarshalJSON() ([]byte, error) {
	object := map[SessionId][]json.RawMessage{}
	for sessionId, entries := range self.state().sessions {
		values := make([]json.RawMessage, len(entries))
		for i, entry := range entries {
			values[i] = entry.Value
		}
		object[sessionId] = values
	}
	return json.Marshal(object)
}
