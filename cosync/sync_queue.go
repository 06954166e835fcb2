package cosync

import (
	"container/heap"
	"sync"
)

type syncQueueItem struct {
	message        *SyncMessage
	priority       Priority
	byteCount      ByteCount
	sequenceNumber uint64
	// a newer item with the same key replaces this one
	supersedeKey string

	// the index of the item in the heap
	heapIndex int
}

// ordered by `sequenceNumber`
type syncPriorityHeap struct {
	orderedItems []*syncQueueItem
}

func newSyncPriorityHeap() *syncPriorityHeap {
	syncPriorityHeap := &syncPriorityHeap{
		orderedItems: []*syncQueueItem{},
	}
	heap.Init(syncPriorityHeap)
	return syncPriorityHeap
}

// heap.Interface

func (self *syncPriorityHeap) Push(x any) {
	item := x.(*syncQueueItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *syncPriorityHeap) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *syncPriorityHeap) Len() int {
	return len(self.orderedItems)
}

func (self *syncPriorityHeap) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *syncPriorityHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

// default weights per priority, high to low
var DefaultSyncQueueWeights = [priorityCount]int{6, 3, 1}

// the outgoing queue of one peer
// drains the priorities by weighted round robin, and each priority in fifo order
// high is never starved by low, and low always progresses
type syncQueue struct {
	stateLock          sync.Mutex
	heaps              [priorityCount]*syncPriorityHeap
	weights            [priorityCount]int
	credits            [priorityCount]int
	keyItems           map[string]*syncQueueItem
	nextSequenceNumber uint64
	byteCount          ByteCount

	monitor *Monitor
}

func newSyncQueue(weights [priorityCount]int) *syncQueue {
	syncQueue := &syncQueue{
		weights:  weights,
		keyItems: map[string]*syncQueueItem{},
		monitor:  NewMonitor(),
	}
	for i := 0; i < priorityCount; i += 1 {
		if syncQueue.weights[i] <= 0 {
			syncQueue.weights[i] = 1
		}
		syncQueue.heaps[i] = newSyncPriorityHeap()
		syncQueue.credits[i] = syncQueue.weights[i]
	}
	return syncQueue
}

func (self *syncQueue) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	size := 0
	for _, h := range self.heaps {
		size += h.Len()
	}
	return size, self.byteCount
}

// `supersedeKey` empty means the item is never replaced
func (self *syncQueue) Add(message *SyncMessage, byteCount ByteCount, supersedeKey string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		priority := message.Priority()
		if priority < PriorityHigh || PriorityLow < priority {
			priority = PriorityMedium
		}

		if supersedeKey != "" {
			if item, ok := self.keyItems[supersedeKey]; ok {
				heap.Remove(self.heaps[item.priority], item.heapIndex)
				self.byteCount -= item.byteCount
				delete(self.keyItems, supersedeKey)
			}
		}

		item := &syncQueueItem{
			message:        message,
			priority:       priority,
			byteCount:      byteCount,
			sequenceNumber: self.nextSequenceNumber,
			supersedeKey:   supersedeKey,
		}
		self.nextSequenceNumber += 1
		heap.Push(self.heaps[priority], item)
		self.byteCount += byteCount
		if supersedeKey != "" {
			self.keyItems[supersedeKey] = item
		}
	}()
	self.monitor.NotifyAll()
}

// the next message by weighted round robin, or nil if empty
func (self *syncQueue) RemoveNext() *SyncMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for round := 0; round < 2; round += 1 {
		for i := 0; i < priorityCount; i += 1 {
			h := self.heaps[i]
			if h.Len() == 0 || self.credits[i] <= 0 {
				continue
			}
			self.credits[i] -= 1
			item := heap.Remove(h, 0).(*syncQueueItem)
			self.byteCount -= item.byteCount
			if item.supersedeKey != "" {
				delete(self.keyItems, item.supersedeKey)
			}
			return item.message
		}
		// every non empty priority used its credits
		for i := 0; i < priorityCount; i += 1 {
			self.credits[i] = self.weights[i]
		}
	}
	return nil
}

func (self *syncQueue) NotifyChannel() chan struct{} {
	return self.monitor.NotifyChannel()
}
