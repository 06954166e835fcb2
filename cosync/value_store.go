package cosync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ValueStateKind int

const (
	ValueUnknown ValueStateKind = iota
	ValueLoading
	ValueAvailable
	ValueUnavailable
)

func (self ValueStateKind) String() string {
	switch self {
	case ValueUnknown:
		return "unknown"
	case ValueLoading:
		return "loading"
	case ValueAvailable:
		return "available"
	case ValueUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ValueEventKind int

const (
	ValueEventRequested ValueEventKind = iota
	ValueEventFoundLocally
	ValueEventFoundFromPeer
	ValueEventPeerNotFound
	ValueEventAllPeersExhausted
	ValueEventRetry
)

func (self ValueEventKind) String() string {
	switch self {
	case ValueEventRequested:
		return "requested"
	case ValueEventFoundLocally:
		return "foundLocally"
	case ValueEventFoundFromPeer:
		return "foundFromPeer"
	case ValueEventPeerNotFound:
		return "peerNotFound"
	case ValueEventAllPeersExhausted:
		return "allPeersExhausted"
	case ValueEventRetry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ValueEvent struct {
	Kind ValueEventKind
	// the peers asked, for `requested` and `retry`
	Peers []PeerId
	// the peer that answered, for `foundFromPeer` and `peerNotFound`
	PeerId PeerId
	// for `foundLocally` and `foundFromPeer`
	Core *CoValueCore
}

type ValueStoreSettings struct {
	// retry unavailable values while someone waits on them
	RetryUnavailable    bool
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	// applies when the load context has no deadline
	LoadTimeout time.Duration
}

func DefaultValueStoreSettings() *ValueStoreSettings {
	return &ValueStoreSettings{
		RetryUnavailable:    true,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		LoadTimeout:         30 * time.Second,
	}
}

// where a value store finds values
type valueSource interface {
	// `ErrNotFound` when not stored locally
	loadLocal(ctx context.Context, id CoValueId) (*CoValueCore, error)
	// the peers that can be asked for the value
	loadPeers(id CoValueId) []PeerId
	requestFromPeer(id CoValueId, peerId PeerId)
}

// the single availability state of one id
type ValueState struct {
	id CoValueId

	stateLock    sync.Mutex
	kind         ValueStateKind
	pendingPeers map[PeerId]bool
	core         *CoValueCore
	waiters      int
	retryAttempt int
	retryPending bool

	monitor   *Monitor
	listeners *CallbackList[func(*ValueState)]
}

func newValueState(id CoValueId) *ValueState {
	return &ValueState{
		id:           id,
		kind:         ValueUnknown,
		pendingPeers: map[PeerId]bool{},
		monitor:      NewMonitor(),
		listeners:    NewCallbackList[func(*ValueState)](),
	}
}

func (self *ValueState) Id() CoValueId {
	return self.id
}

func (self *ValueState) Kind() ValueStateKind {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.kind
}

// the core when available
func (self *ValueState) Core() (*CoValueCore, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.core, self.kind == ValueAvailable
}

func (self *ValueState) PendingPeers() []PeerId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedKeys(self.pendingPeers)
}

func (self *ValueState) Subscribe(callback func(*ValueState)) func() {
	callbackId := self.listeners.Add(callback)
	return func() {
		self.listeners.Remove(callbackId)
	}
}

// true when someone is interested in the outcome
func (self *ValueState) hasInterest() bool {
	self.stateLock.Lock()
	waiters := self.waiters
	self.stateLock.Unlock()
	return 0 < waiters || 0 < self.listeners.Len()
}

// applies `event` and returns true if the state changed
// `Available` is terminal
func (self *ValueState) Apply(event *ValueEvent) bool {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.kind == ValueAvailable {
			return false
		}

		switch event.Kind {
		case ValueEventRequested, ValueEventRetry:
			switch self.kind {
			case ValueUnknown, ValueUnavailable:
				if event.Kind == ValueEventRequested && self.kind == ValueUnavailable && self.retryPending {
					// a retry is already scheduled
					return false
				}
				if len(event.Peers) == 0 {
					if self.kind == ValueUnavailable {
						return false
					}
					self.kind = ValueUnavailable
					return true
				}
				self.kind = ValueLoading
				self.pendingPeers = map[PeerId]bool{}
				for _, peerId := range event.Peers {
					self.pendingPeers[peerId] = true
				}
				self.retryPending = false
				return true
			case ValueLoading:
				for _, peerId := range event.Peers {
					self.pendingPeers[peerId] = true
				}
				return false
			}
		case ValueEventFoundLocally, ValueEventFoundFromPeer:
			if event.Core == nil {
				return false
			}
			self.kind = ValueAvailable
			self.core = event.Core
			self.pendingPeers = map[PeerId]bool{}
			self.retryAttempt = 0
			self.retryPending = false
			return true
		case ValueEventPeerNotFound:
			if self.kind != ValueLoading {
				return false
			}
			delete(self.pendingPeers, event.PeerId)
			if 0 < len(self.pendingPeers) {
				return false
			}
			self.kind = ValueUnavailable
			return true
		case ValueEventAllPeersExhausted:
			if self.kind != ValueLoading && self.kind != ValueUnknown {
				return false
			}
			self.kind = ValueUnavailable
			self.pendingPeers = map[PeerId]bool{}
			return true
		}
		return false
	}()

	if changed {
		glog.V(LogLevelDebug).Infof("[vs]%s %s -> %s\n", self.id, event.Kind, self.Kind())
		self.monitor.NotifyAll()
		for _, callback := range self.listeners.Get() {
			HandleError(func() {
				callback(self)
			})
		}
	}
	return changed
}

// one state per id for the lifetime of the store
// the store owns the cores of available values
type ValueStore struct {
	ctx      context.Context
	source   valueSource
	settings *ValueStoreSettings

	stateLock sync.Mutex
	states    map[CoValueId]*ValueState
}

func NewValueStore(ctx context.Context, source valueSource, settings *ValueStoreSettings) *ValueStore {
	return &ValueStore{
		ctx:      ctx,
		source:   source,
		settings: settings,
		states:   map[CoValueId]*ValueState{},
	}
}

func (self *ValueStore) State(id CoValueId) *ValueState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.states[id]
	if !ok {
		state = newValueState(id)
		self.states[id] = state
	}
	return state
}

// the core if the value is available
func (self *ValueStore) Core(id CoValueId) *CoValueCore {
	self.stateLock.Lock()
	state, ok := self.states[id]
	self.stateLock.Unlock()
	if !ok {
		return nil
	}
	core, _ := state.Core()
	return core
}

func (self *ValueStore) AvailableIds() []CoValueId {
	self.stateLock.Lock()
	states := make([]*ValueState, 0, len(self.states))
	for _, state := range self.states {
		states = append(states, state)
	}
	self.stateLock.Unlock()

	ids := []CoValueId{}
	for _, state := range states {
		if state.Kind() == ValueAvailable {
			ids = append(ids, state.id)
		}
	}
	return ids
}

// marks `core` as available. Returns the core that is available for the id,
// which is the existing core if there was one
func (self *ValueStore) Put(core *CoValueCore, fromPeer PeerId) *CoValueCore {
	state := self.State(core.id)
	event := &ValueEvent{
		Kind: ValueEventFoundLocally,
		Core: core,
	}
	if fromPeer != "" {
		event.Kind = ValueEventFoundFromPeer
		event.PeerId = fromPeer
	}
	state.Apply(event)
	existing, _ := state.Core()
	return existing
}

func (self *ValueStore) PeerNotFound(id CoValueId, peerId PeerId) {
	state := self.State(id)
	if state.Apply(&ValueEvent{
		Kind:   ValueEventPeerNotFound,
		PeerId: peerId,
	}) {
		self.scheduleRetry(state)
	}
}

func (self *ValueStore) PeerRemoved(peerId PeerId) {
	self.stateLock.Lock()
	states := []*ValueState{}
	for _, state := range self.states {
		states = append(states, state)
	}
	self.stateLock.Unlock()

	for _, state := range states {
		self.PeerNotFound(state.id, peerId)
	}
}

// retries unavailable values now
func (self *ValueStore) PeerAdded(peerId PeerId) {
	self.stateLock.Lock()
	states := []*ValueState{}
	for _, state := range self.states {
		states = append(states, state)
	}
	self.stateLock.Unlock()

	for _, state := range states {
		if state.Kind() == ValueUnavailable && state.hasInterest() {
			self.retry(state)
		}
	}
}

// starts loading when the value is unknown or unavailable
// `extraPeers` are asked along with the source's peers
func (self *ValueStore) request(state *ValueState, extraPeers ...PeerId) {
	kind := state.Kind()
	if kind != ValueUnknown && kind != ValueUnavailable {
		return
	}

	core, err := self.source.loadLocal(self.ctx, state.id)
	if err == nil {
		state.Apply(&ValueEvent{
			Kind: ValueEventFoundLocally,
			Core: core,
		})
		return
	}
	if !errors.Is(err, ErrNotFound) {
		glog.Infof("[vs]%s local load error = %s\n", state.id, err)
	}

	peers := self.source.loadPeers(state.id)
	for _, peerId := range extraPeers {
		if !slices.Contains(peers, peerId) {
			peers = append(peers, peerId)
		}
	}
	if len(peers) == 0 {
		if state.Apply(&ValueEvent{
			Kind: ValueEventAllPeersExhausted,
		}) {
			self.scheduleRetry(state)
		}
		return
	}
	// enter loading before asking so that fast replies are not lost
	if state.Apply(&ValueEvent{
		Kind:  ValueEventRequested,
		Peers: peers,
	}) {
		for _, peerId := range peers {
			self.source.requestFromPeer(state.id, peerId)
		}
	}
}

func (self *ValueStore) retry(state *ValueState) {
	peers := self.source.loadPeers(state.id)
	if len(peers) == 0 {
		self.scheduleRetry(state)
		return
	}
	if state.Apply(&ValueEvent{
		Kind:  ValueEventRetry,
		Peers: peers,
	}) {
		for _, peerId := range peers {
			self.source.requestFromPeer(state.id, peerId)
		}
	}
}

// capped exponential backoff while someone waits
func (self *ValueStore) scheduleRetry(state *ValueState) {
	if !self.settings.RetryUnavailable {
		return
	}
	if !state.hasInterest() {
		return
	}

	state.stateLock.Lock()
	if state.kind != ValueUnavailable || state.retryPending {
		state.stateLock.Unlock()
		return
	}
	state.retryPending = true
	attempt := state.retryAttempt
	state.retryAttempt += 1
	state.stateLock.Unlock()

	timeout := Backoff(attempt, self.settings.RetryInitialBackoff, self.settings.RetryMaxBackoff)
	glog.V(LogLevelInfo).Infof("[vs]%s retry in %s\n", state.id, timeout)
	go HandleError(func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(timeout):
		}
		state.stateLock.Lock()
		state.retryPending = false
		state.stateLock.Unlock()
		if state.Kind() == ValueUnavailable && state.hasInterest() {
			self.retry(state)
		}
	})
}

// waits until the value is available
// fails with `*UnavailableError` when the value is unavailable and retries are off,
// or when the wait times out
func (self *ValueStore) Load(ctx context.Context, id CoValueId) (*CoValueCore, error) {
	return self.LoadFrom(ctx, id)
}

// like `Load` but also asks `peerIds`, e.g. the peer that sent something depending on `id`
func (self *ValueStore) LoadFrom(ctx context.Context, id CoValueId, peerIds ...PeerId) (*CoValueCore, error) {
	state := self.State(id)
	if core, ok := state.Core(); ok {
		return core, nil
	}

	if _, ok := ctx.Deadline(); !ok && 0 < self.settings.LoadTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, self.settings.LoadTimeout)
		defer cancel()
	}

	state.stateLock.Lock()
	state.waiters += 1
	state.stateLock.Unlock()
	defer func() {
		state.stateLock.Lock()
		state.waiters -= 1
		state.stateLock.Unlock()
	}()

	self.request(state, peerIds...)

	for {
		notify := state.monitor.NotifyChannel()
		switch state.Kind() {
		case ValueAvailable:
			core, _ := state.Core()
			return core, nil
		case ValueUnavailable:
			if !self.settings.RetryUnavailable {
				return nil, &UnavailableError{Id: id}
			}
			self.scheduleRetry(state)
		}
		select {
		case <-ctx.Done():
			return nil, &UnavailableError{Id: id}
		case <-self.ctx.Done():
			return nil, &UnavailableError{Id: id}
		case <-notify:
		}
	}
}

// like `Load` but returns immediately with the current state
func (self *ValueStore) Request(id CoValueId) *ValueState {
	state := self.State(id)
	self.request(state)
	return state
}
