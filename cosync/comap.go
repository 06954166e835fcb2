package cosync

import (
	"encoding/json"
	"slices"
)

const (
	mapOpSet = "set"
	mapOpDel = "del"
)

// one change of a map or a group
type mapOpJson struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func newSetOp(key string, value any) (*mapOpJson, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &mapOpJson{
		Op:    mapOpSet,
		Key:   key,
		Value: valueJson,
	}, nil
}

func newDelOp(key string) *mapOpJson {
	return &mapOpJson{
		Op:  mapOpDel,
		Key: key,
	}
}

type MapEntry struct {
	TxId     TransactionId
	Position TxPosition
	Author   AccountOrAgentId
	Op       string
	// nil for a delete
	Value json.RawMessage
}

func (self *MapEntry) Deleted() bool {
	return self.Op == mapOpDel
}

type mapState struct {
	// last write per key, including tombstones
	latest  map[string]*MapEntry
	history map[string][]*MapEntry
}

// last write wins per key in total order
// later ops in the same transaction win over earlier ones
func buildMapState(txs []*DecodedTransaction) *mapState {
	mapState := &mapState{
		latest:  map[string]*MapEntry{},
		history: map[string][]*MapEntry{},
	}
	for _, tx := range txs {
		for _, change := range tx.Changes {
			var op mapOpJson
			if err := json.Unmarshal(change, &op); err != nil {
				continue
			}
			entry := &MapEntry{
				TxId:     tx.TxId,
				Position: tx.Position,
				Author:   tx.Author,
				Op:       op.Op,
			}
			switch op.Op {
			case mapOpSet:
				if op.Value == nil {
					continue
				}
				entry.Value = op.Value
			case mapOpDel:
			default:
				continue
			}
			mapState.latest[op.Key] = entry
			mapState.history[op.Key] = append(mapState.history[op.Key], entry)
		}
	}
	return mapState
}

type CoMap struct {
	core *CoValueCore
}

func (self *CoMap) Id() CoValueId {
	return self.core.id
}

func (self *CoMap) Core() *CoValueCore {
	return self.core
}

func (self *CoMap) LoadState() LoadState {
	return self.core.LoadState()
}

func (self *CoMap) state() *mapState {
	return self.core.resolve(func(txs []*DecodedTransaction) any {
		return buildMapState(txs)
	}).(*mapState)
}

func (self *CoMap) Get(key string) (json.RawMessage, bool) {
	entry, ok := self.state().latest[key]
	if !ok || entry.Deleted() {
		return nil, false
	}
	return entry.Value, true
}

// decodes the value at `key` into `value`
func (self *CoMap) GetAs(key string, value any) (bool, error) {
	valueJson, ok := self.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(valueJson, value); err != nil {
		return true, err
	}
	return true, nil
}

// sorted, excluding deleted keys
func (self *CoMap) Keys() []string {
	keys := []string{}
	for key, entry := range self.state().latest {
		if !entry.Deleted() {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (self *CoMap) AsObject() map[string]json.RawMessage {
	object := map[string]json.RawMessage{}
	for key, entry := range self.state().latest {
		if !entry.Deleted() {
			object[key] = entry.Value
		}
	}
	return object
}

// every write of `key` in total order
func (self *CoMap) History(key string) []*MapEntry {
	return slices.Clone(self.state().history[key])
}

// a reference when the value at `key` is a covalue id
func (self *CoMap) GetRef(key string) (*CoValueRef, bool) {
	var value string
	if ok, err := self.GetAs(key, &value); !ok || err != nil {
		return nil, false
	}
	id, err := ParseCoValueId(value)
	if err != nil {
		return nil, false
	}
	return newCoValueRef(self.core.node, id), true
}

func (self *CoMap) Set(key string, value any) error {
	return self.SetWithPrivacy(key, value, self.core.defaultPrivacy())
}

func (self *CoMap) SetWithPrivacy(key string, value any, privacy Privacy) error {
	op, err := newSetOp(key, value)
	if err != nil {
		return err
	}
	_, err = self.core.MakeTransaction([]any{op}, privacy)
	return err
}

// sets all of `values` in one transaction
func (self *CoMap) SetAll(values map[string]any) error {
	ops := []any{}
	for _, key := range sortedKeys(values) {
		op, err := newSetOp(key, values[key])
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	_, err := self.core.MakeTransaction(ops, self.core.defaultPrivacy())
	return err
}

func (self *CoMap) Delete(key string) error {
	_, err := self.core.MakeTransaction([]any{newDelOp(key)}, self.core.defaultPrivacy())
	return err
}

// keys are sorted by the json encoder
func (self *CoMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.AsObject())
}
