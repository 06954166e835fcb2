package cosync

import (
	"context"
	"sync"
)

// a reference to a covalue that is either unresolved (only the id is known)
// or resolved (the core is available). Resolution is explicit
type CoValueRef struct {
	node coreNode
	id   CoValueId

	stateLock sync.Mutex
	core      *CoValueCore
}

func newCoValueRef(node coreNode, id CoValueId) *CoValueRef {
	ref := &CoValueRef{
		node: node,
		id:   id,
	}
	ref.core = node.availableCore(id)
	return ref
}

func (self *CoValueRef) Id() CoValueId {
	return self.id
}

func (self *CoValueRef) Resolved() (*CoValueCore, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.core, self.core != nil
}

// loads the value if needed
func (self *CoValueRef) Resolve(ctx context.Context) (*CoValueCore, error) {
	if core, ok := self.Resolved(); ok {
		return core, nil
	}
	core, err := self.node.load(ctx, self.id)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.core = core
	return core, nil
}

// resolves and returns the typed view
func (self *CoValueRef) ResolveView(ctx context.Context) (CoValueView, error) {
	core, err := self.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return core.View(), nil
}
