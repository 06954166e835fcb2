package cosync

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on update
// callbacks are identified by the id returned from `Add`, since func values are not comparable
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId uint64
	callbacks      map[uint64]T
	orderedIds     []uint64
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks:  map[uint64]T{},
		orderedIds: []uint64{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.orderedIds))
	for _, callbackId := range self.orderedIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	nextOrderedIds := slices.Clone(self.orderedIds)
	nextOrderedIds = append(nextOrderedIds, callbackId)
	self.orderedIds = nextOrderedIds
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	i := slices.Index(self.orderedIds, callbackId)
	nextOrderedIds := slices.Clone(self.orderedIds)
	nextOrderedIds = slices.Delete(nextOrderedIds, i, i+1)
	self.orderedIds = nextOrderedIds
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

// a monitor hands out a channel that is closed on the next `NotifyAll`
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// close the update channel and create a new one
	close(self.update)
	self.update = make(chan struct{})
}

// capped exponential backoff
// attempt 0 is `initial`
func Backoff(attempt int, initial time.Duration, max time.Duration) time.Duration {
	timeout := initial
	for i := 0; i < attempt; i += 1 {
		timeout *= 2
		if max <= timeout {
			return max
		}
	}
	if max < timeout {
		return max
	}
	return timeout
}

// sorted keys for deterministic iteration
func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
