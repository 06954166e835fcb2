package cosync

import (
	"encoding/json"
	"fmt"
	"slices"
)

const (
	listOpApp = "app"
	listOpDel = "del"
)

var listStart = json.RawMessage(`"start"`)

// identifies one insertion: a change within a transaction
type OpId struct {
	SessionId SessionId `json:"sessionId"`
	TxIndex   int       `json:"txIndex"`
	ChangeIdx int       `json:"changeIdx"`
}

func (self OpId) String() string {
	return fmt.Sprintf("%s:%d:%d", self.SessionId, self.TxIndex, self.ChangeIdx)
}

type listOpJson struct {
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
	// "start" or an op id
	After     json.RawMessage `json:"after,omitempty"`
	Insertion *OpId           `json:"insertion,omitempty"`
}

type ListEntry struct {
	OpId     OpId
	Position TxPosition
	Author   AccountOrAgentId
	Value    json.RawMessage
}

type listNode struct {
	entry    *ListEntry
	after    *OpId
	deleted  bool
	children []*listNode
}

type listState struct {
	// visible entries in list order
	entries []*ListEntry
	// all insertions, including deleted ones
	nodeCount int
}

// each insertion hangs off the insertion it follows, or the start
// siblings are ordered newest first in total order and the tree is walked depth first,
// so concurrent inserts at the same anchor interleave the same way on every replica
func buildListState(txs []*DecodedTransaction) *listState {
	nodes := map[OpId]*listNode{}
	order := []*listNode{}
	deletions := []OpId{}

	for _, tx := range txs {
		for changeIdx, change := range tx.Changes {
			var op listOpJson
			if err := json.Unmarshal(change, &op); err != nil {
				continue
			}
			opId := OpId{
				SessionId: tx.TxId.SessionId,
				TxIndex:   tx.TxId.TxIndex,
				ChangeIdx: changeIdx,
			}
			switch op.Op {
			case listOpApp:
				if op.Value == nil {
					continue
				}
				node := &listNode{
					entry: &ListEntry{
						OpId:     opId,
						Position: tx.Position,
						Author:   tx.Author,
						Value:    op.Value,
					},
				}
				if op.After != nil && string(op.After) != string(listStart) {
					var after OpId
					if err := json.Unmarshal(op.After, &after); err != nil {
						continue
					}
					node.after = &after
				}
				nodes[opId] = node
				order = append(order, node)
			case listOpDel:
				if op.Insertion != nil {
					deletions = append(deletions, *op.Insertion)
				}
			}
		}
	}

	// anchors and deletions may refer to insertions later in total order
	root := &listNode{}
	for _, node := range order {
		if node.after == nil {
			root.children = append(root.children, node)
		} else if anchor, ok := nodes[*node.after]; ok {
			anchor.children = append(anchor.children, node)
		}
	}
	for _, opId := range deletions {
		if node, ok := nodes[opId]; ok {
			node.deleted = true
		}
	}

	listState := &listState{
		entries:   []*ListEntry{},
		nodeCount: len(order),
	}
	// children were attached in total order, so visiting the last pushed first is newest first
	stack := slices.Clone(root.children)
	for 0 < len(stack) {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !node.deleted {
			listState.entries = append(listState.entries, node.entry)
		}
		stack = append(stack, node.children...)
	}
	return listState
}

type CoList struct {
	core *CoValueCore
}

func (self *CoList) Id() CoValueId {
	return self.core.id
}

func (self *CoList) Core() *CoValueCore {
	return self.core
}

func (self *CoList) LoadState() LoadState {
	return self.core.LoadState()
}

func (self *CoList) state() *listState {
	return self.core.resolve(func(txs []*DecodedTransaction) any {
		return buildListState(txs)
	}).(*listState)
}

func (self *CoList) Entries() []*ListEntry {
	return slices.Clone(self.state().entries)
}

func (self *CoList) Items() []json.RawMessage {
	entries := self.state().entries
	items := make([]json.RawMessage, len(entries))
	for i, entry := range entries {
		items[i] = entry.Value
	}
	return items
}

func (self *CoList) Len() int {
	return len(self.state().entries)
}

func (self *CoList) Get(i int) (json.RawMessage, bool) {
	entries := self.state().entries
	if i < 0 || len(entries) <= i {
		return nil, false
	}
	return entries[i].Value, true
}

func (self *CoList) insert(after *OpId, value any) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	op := &listOpJson{
		Op:    listOpApp,
		Value: valueJson,
		After: listStart,
	}
	if after != nil {
		afterJson, err := json.Marshal(after)
		if err != nil {
			return err
		}
		op.After = afterJson
	}
	_, err = self.core.MakeTransaction([]any{op}, self.core.defaultPrivacy())
	return err
}

func (self *CoList) Append(value any) error {
	entries := self.state().entries
	if len(entries) == 0 {
		return self.insert(nil, value)
	}
	last := entries[len(entries)-1].OpId
	return self.insert(&last, value)
}

func (self *CoList) Prepend(value any) error {
	return self.insert(nil, value)
}

func (self *CoList) InsertAfter(opId OpId, value any) error {
	return self.insert(&opId, value)
}

// deletes the item at index `i`
func (self *CoList) Delete(i int) error {
	entries := self.state().entries
	if i < 0 || len(entries) <= i {
		return fmt.Errorf("Index out of range: %d", i)
	}
	op := &listOpJson{
		Op:        listOpDel,
		Insertion: &entries[i].OpId,
	}
	_, err := self.core.MakeTransaction([]any{op}, self.core.defaultPrivacy())
	return err
}

func (self *CoList) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Items())
}
