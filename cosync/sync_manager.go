package cosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

type PeerId string

type PeerRole int

const (
	// load from it and push everything to it
	PeerRoleServer PeerRole = iota
	// push only what it asked for
	PeerRoleClient
)

func (self PeerRole) String() string {
	switch self {
	case PeerRoleServer:
		return "server"
	case PeerRoleClient:
		return "client"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type SyncManagerSettings struct {
	QueueWeights [priorityCount]int
	// transactions per content message
	MaxContentBatchSize int
	PingInterval        time.Duration
	// a peer with no message for this long is dropped
	PeerTimeout           time.Duration
	WriteTimeout          time.Duration
	DependencyLoadTimeout time.Duration
}

func DefaultSyncManagerSettings() *SyncManagerSettings {
	return &SyncManagerSettings{
		QueueWeights:          DefaultSyncQueueWeights,
		MaxContentBatchSize:   64,
		PingInterval:          5 * time.Second,
		PeerTimeout:           30 * time.Second,
		WriteTimeout:          15 * time.Second,
		DependencyLoadTimeout: 15 * time.Second,
	}
}

// what the sync manager needs from the node
type syncNode interface {
	availableCore(id CoValueId) *CoValueCore
	loadStored(ctx context.Context, id CoValueId) (*CoValueCore, error)
	// loads `id`, also asking `peerId`
	loadFrom(ctx context.Context, id CoValueId, peerId PeerId) (*CoValueCore, error)
	// the values that must be sent before `core`
	coreDependencies(core *CoValueCore) []CoValueId
	// the values that must be available before `content` can be applied
	missingDependencies(content *ContentMessage) []CoValueId
	applyContent(peerId PeerId, content *ContentMessage) (*CoValueCore, error)
	valueNotFound(id CoValueId, peerId PeerId)
	peerAdded(peerId PeerId)
	peerRemoved(peerId PeerId)
	availableIds() []CoValueId
}

type syncPeer struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId    PeerId
	role      PeerRole
	transport Transport
	queue     *syncQueue

	stateLock sync.Mutex
	// acked by the peer
	known map[CoValueId]*KnownState
	// sent to the peer, including what is still queued
	sent map[CoValueId]*KnownState
	// the peer asked for or sent these, so updates are pushed to it
	subscribed map[CoValueId]bool
	// xxhash of the last known message queued per id
	knownDigests map[CoValueId]uint64
	// content waiting for its dependencies or header
	pendingContent map[CoValueId][]*ContentMessage
	lastReceiveTime time.Time

	ackMonitor *Monitor
}

func (self *syncPeer) sentState(id CoValueId) *KnownState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sent, ok := self.sent[id]
	if !ok {
		return nil
	}
	return sent.Clone()
}

func (self *syncPeer) markSent(knownState *KnownState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sent, ok := self.sent[knownState.Id]
	if !ok {
		self.sent[knownState.Id] = knownState.Clone()
	} else {
		sent.Combine(knownState)
	}
}

// merges an ack from the peer
// an ack that adds no transactions and is behind what was sent means
// the peer lost or could not apply content, so sending restarts from the ack
// returns true when sending restarts
func (self *syncPeer) markKnown(knownState *KnownState) bool {
	restart := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		progressed := false
		known, ok := self.known[knownState.Id]
		if !ok {
			known = NewKnownState(knownState.Id)
			self.known[knownState.Id] = known
		}
		for sessionId, count := range knownState.Sessions {
			if known.Sessions[sessionId] < count {
				progressed = true
			}
		}
		known.Combine(knownState)

		sent, ok := self.sent[knownState.Id]
		switch {
		case !ok:
			self.sent[knownState.Id] = knownState.Clone()
			return false
		case !progressed && !knownState.Covers(sent):
			self.sent[knownState.Id] = knownState.Clone()
			return true
		default:
			sent.Combine(knownState)
			return false
		}
	}()
	self.ackMonitor.NotifyAll()
	return restart
}

// the peer stated exactly what it has, which replaces what was acked and sent
func (self *syncPeer) resetKnown(knownState *KnownState) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.known[knownState.Id] = knownState.Clone()
		self.sent[knownState.Id] = knownState.Clone()
	}()
	self.ackMonitor.NotifyAll()
}

func (self *syncPeer) knownState(id CoValueId) *KnownState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	known, ok := self.known[id]
	if !ok {
		return NewKnownState(id)
	}
	return known.Clone()
}

func (self *syncPeer) subscribe(id CoValueId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscribed[id] = true
}

func (self *syncPeer) isSubscribed(id CoValueId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribed[id]
}

// replicates covalues with connected peers
// each peer has a prioritized outgoing queue drained by a write loop,
// a read loop and a ping loop
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	node     syncNode
	settings *SyncManagerSettings

	stateLock sync.Mutex
	peers     map[PeerId]*syncPeer
}

func NewSyncManagerWithDefaults(ctx context.Context, node syncNode) *SyncManager {
	return NewSyncManager(ctx, node, DefaultSyncManagerSettings())
}

func NewSyncManager(ctx context.Context, node syncNode, settings *SyncManagerSettings) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		node:     node,
		settings: settings,
		peers:    map[PeerId]*syncPeer{},
	}
}

// replaces an existing peer with the same id
func (self *SyncManager) AddPeer(peerId PeerId, role PeerRole, transport Transport) {
	peerCtx, peerCancel := context.WithCancel(self.ctx)
	peer := &syncPeer{
		ctx:             peerCtx,
		cancel:          peerCancel,
		peerId:          peerId,
		role:            role,
		transport:       transport,
		queue:           newSyncQueue(self.settings.QueueWeights),
		known:           map[CoValueId]*KnownState{},
		sent:            map[CoValueId]*KnownState{},
		subscribed:      map[CoValueId]bool{},
		knownDigests:    map[CoValueId]uint64{},
		pendingContent:  map[CoValueId][]*ContentMessage{},
		lastReceiveTime: time.Now(),
		ackMonitor:      NewMonitor(),
	}

	var replaced *syncPeer
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		replaced = self.peers[peerId]
		self.peers[peerId] = peer
	}()
	if replaced != nil {
		replaced.cancel()
		replaced.transport.Close()
	} else {
		reportPeerAdded()
	}

	glog.V(LogLevelInfo).Infof("[sm]add peer %s (%s)\n", peerId, role)

	go HandleError(func() {
		self.writeLoop(peer)
	}, peer.cancel)
	go HandleError(func() {
		self.readLoop(peer)
	}, peer.cancel)
	go HandleError(func() {
		self.pingLoop(peer)
	}, peer.cancel)
	go HandleError(func() {
		<-peer.ctx.Done()
		self.removePeer(peer)
	})

	if role == PeerRoleServer {
		// sync everything with the server
		for _, id := range self.node.availableIds() {
			core := self.node.availableCore(id)
			if core == nil {
				continue
			}
			self.queueMessage(peer, NewLoadMessage(core.KnownState()))
		}
	}

	self.node.peerAdded(peerId)
}

func (self *SyncManager) RemovePeer(peerId PeerId) {
	self.stateLock.Lock()
	peer, ok := self.peers[peerId]
	self.stateLock.Unlock()
	if ok {
		peer.cancel()
	}
}

func (self *SyncManager) removePeer(peer *syncPeer) {
	peer.transport.Close()
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.peers[peer.peerId] != peer {
			// replaced
			return false
		}
		delete(self.peers, peer.peerId)
		return true
	}()
	if removed {
		glog.V(LogLevelInfo).Infof("[sm]remove peer %s\n", peer.peerId)
		reportPeerRemoved()
		self.node.peerRemoved(peer.peerId)
	}
}

func (self *SyncManager) peer(peerId PeerId) (*syncPeer, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	peer, ok := self.peers[peerId]
	return peer, ok
}

func (self *SyncManager) PeerIds() []PeerId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return sortedKeys(self.peers)
}

func (self *SyncManager) ServerPeerIds() []PeerId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peerIds := []PeerId{}
	for _, peerId := range sortedKeys(self.peers) {
		if self.peers[peerId].role == PeerRoleServer {
			peerIds = append(peerIds, peerId)
		}
	}
	return peerIds
}

func (self *SyncManager) queueMessage(peer *syncPeer, message *SyncMessage) {
	supersedeKey := ""
	var byteCount ByteCount
	switch message.Kind {
	case SyncMessageKnown:
		supersedeKey = fmt.Sprintf("known/%s", message.Known.Id)
	case SyncMessageContent:
		for _, tx := range message.Content.Transactions {
			byteCount += ByteCount(len(tx.Changes) + len(tx.EncryptedChanges))
		}
	}
	peer.queue.Add(message, byteCount, supersedeKey)
}

// queues a known message unless the same state was the last one queued for the id
func (self *SyncManager) queueKnown(peer *syncPeer, knownState *KnownState, force bool) {
	digest := xxhash.Sum64(appendKnownState(nil, knownState))
	send := func() bool {
		peer.stateLock.Lock()
		defer peer.stateLock.Unlock()
		if !force && peer.knownDigests[knownState.Id] == digest {
			return false
		}
		peer.knownDigests[knownState.Id] = digest
		return true
	}()
	if send {
		self.queueMessage(peer, NewKnownMessage(knownState))
	}
}

// pushes new content of `core` to every peer that should have it
func (self *SyncManager) SyncCoValue(core *CoValueCore) {
	self.stateLock.Lock()
	peers := make([]*syncPeer, 0, len(self.peers))
	for _, peer := range self.peers {
		peers = append(peers, peer)
	}
	self.stateLock.Unlock()

	for _, peer := range peers {
		if peer.role == PeerRoleServer || peer.isSubscribed(core.id) {
			self.sendCoValue(peer, core, map[CoValueId]bool{})
		}
	}
}

// sends dependencies first, then the content the peer has not been sent
func (self *SyncManager) sendCoValue(peer *syncPeer, core *CoValueCore, visited map[CoValueId]bool) {
	if visited[core.id] {
		return
	}
	visited[core.id] = true

	for _, dependencyId := range self.node.coreDependencies(core) {
		if dependency := self.node.availableCore(dependencyId); dependency != nil {
			self.sendCoValue(peer, dependency, visited)
		}
	}

	peer.subscribe(core.id)
	messages := core.NewContentSince(peer.sentState(core.id), self.settings.MaxContentBatchSize)
	for _, message := range messages {
		self.queueMessage(peer, NewContentSyncMessage(message))
		peer.markSent(message.KnownAfter())
	}
}

// asks a peer for a value
func (self *SyncManager) RequestLoad(id CoValueId, peerId PeerId) error {
	peer, ok := self.peer(peerId)
	if !ok {
		return ErrPeerNotFound
	}
	knownState := NewKnownState(id)
	if core := self.node.availableCore(id); core != nil {
		knownState = core.KnownState()
	}
	peer.subscribe(id)
	self.queueMessage(peer, NewLoadMessage(knownState))
	return nil
}

// waits until the peer acked everything known for `id` at call time
func (self *SyncManager) WaitForUploadIntoPeer(ctx context.Context, peerId PeerId, id CoValueId) error {
	startTime := time.Now()
	defer reportUploadWait(startTime)

	peer, ok := self.peer(peerId)
	if !ok {
		return ErrPeerNotFound
	}
	core := self.node.availableCore(id)
	if core == nil {
		return &UnavailableError{Id: id}
	}
	target := core.KnownState()
	self.sendCoValue(peer, core, map[CoValueId]bool{})

	for {
		notify := peer.ackMonitor.NotifyChannel()
		if peer.knownState(id).Covers(target) {
			return nil
		}
		select {
		case <-ctx.Done():
			return &UploadTimeoutError{
				PeerId: peerId,
				Id:     id,
			}
		case <-peer.ctx.Done():
			return &UploadTimeoutError{
				PeerId: peerId,
				Id:     id,
			}
		case <-notify:
		}
	}
}

func (self *SyncManager) writeLoop(peer *syncPeer) {
	defer peer.cancel()

	for {
		notify := peer.queue.NotifyChannel()
		message := peer.queue.RemoveNext()
		if message == nil {
			select {
			case <-peer.ctx.Done():
				return
			case <-peer.transport.Done():
				return
			case <-notify:
				continue
			}
		}

		b, err := EncodeSyncMessage(message)
		if err != nil {
			glog.Infof("[sm]%s-> encode error = %s\n", peer.peerId, err)
			continue
		}
		sendCtx, sendCancel := context.WithTimeout(peer.ctx, self.settings.WriteTimeout)
		err = peer.transport.Send(sendCtx, b)
		sendCancel()
		if err != nil {
			glog.Infof("[sm]%s-> error = %s\n", peer.peerId, err)
			return
		}
		reportMessageSent(message)
		glog.V(LogLevelDebug).Infof("[sm]%s-> %s %s\n", peer.peerId, message.Kind, message.Id())
	}
}

func (self *SyncManager) readLoop(peer *syncPeer) {
	defer peer.cancel()

	for {
		select {
		case <-peer.ctx.Done():
			return
		case <-peer.transport.Done():
			return
		case b := <-peer.transport.Receive():
			func() {
				peer.stateLock.Lock()
				defer peer.stateLock.Unlock()
				peer.lastReceiveTime = time.Now()
			}()

			message, err := DecodeSyncMessage(b)
			if err != nil {
				glog.Infof("[sm]<-%s decode error = %s\n", peer.peerId, err)
				continue
			}
			reportMessageReceived(message)
			glog.V(LogLevelDebug).Infof("[sm]<-%s %s %s\n", peer.peerId, message.Kind, message.Id())
			self.handleMessage(peer, message)
		}
	}
}

func (self *SyncManager) pingLoop(peer *syncPeer) {
	defer peer.cancel()

	for {
		select {
		case <-peer.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}

		now := time.Now()
		timedOut := func() bool {
			peer.stateLock.Lock()
			defer peer.stateLock.Unlock()
			return self.settings.PeerTimeout < now.Sub(peer.lastReceiveTime)
		}()
		if timedOut {
			glog.Infof("[sm]%s timeout\n", peer.peerId)
			return
		}
		self.queueMessage(peer, NewPingMessage(now.UnixMilli()))
	}
}

func (self *SyncManager) handleMessage(peer *syncPeer, message *SyncMessage) {
	switch message.Kind {
	case SyncMessageLoad:
		self.handleLoad(peer, message.Known)
	case SyncMessageKnown:
		self.handleKnown(peer, message.Known)
	case SyncMessageContent:
		self.handleContent(peer, message.Content)
	case SyncMessagePing:
		// liveness only
	}
}

func (self *SyncManager) handleLoad(peer *syncPeer, knownState *KnownState) {
	peer.subscribe(knownState.Id)
	peer.resetKnown(knownState)

	core := self.node.availableCore(knownState.Id)
	if core == nil {
		var err error
		core, err = self.node.loadStored(peer.ctx, knownState.Id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				glog.Infof("[sm]<-%s load %s error = %s\n", peer.peerId, knownState.Id, err)
			}
			// not found
			self.queueKnown(peer, NewKnownState(knownState.Id), true)
			return
		}
	}

	self.sendCoValue(peer, core, map[CoValueId]bool{})
	self.queueKnown(peer, core.KnownState(), true)
}

func (self *SyncManager) handleKnown(peer *syncPeer, knownState *KnownState) {
	if !knownState.Header {
		self.node.valueNotFound(knownState.Id, peer.peerId)
	} else if peer.markKnown(knownState) {
		glog.V(LogLevelInfo).Infof("[sm]<-%s behind on %s, resending\n", peer.peerId, knownState.Id)
	}

	core := self.node.availableCore(knownState.Id)
	if core == nil {
		return
	}
	if peer.role != PeerRoleServer && !peer.isSubscribed(knownState.Id) {
		return
	}
	if !knownState.Header {
		// the peer does not have it, so start over
		func() {
			peer.stateLock.Lock()
			defer peer.stateLock.Unlock()
			delete(peer.sent, knownState.Id)
		}()
	}
	self.sendCoValue(peer, core, map[CoValueId]bool{})
}

func (self *SyncManager) handleContent(peer *syncPeer, content *ContentMessage) {
	peer.subscribe(content.Id)
	// the peer has what it sent
	peer.markSent(content.KnownAfter())

	parked := func() bool {
		peer.stateLock.Lock()
		defer peer.stateLock.Unlock()
		if pending, ok := peer.pendingContent[content.Id]; ok {
			peer.pendingContent[content.Id] = append(pending, content)
			return true
		}
		return false
	}()
	if parked {
		return
	}

	if content.Header == nil && self.node.availableCore(content.Id) == nil {
		// ask for the header
		glog.V(LogLevelInfo).Infof("[sm]<-%s content without header for %s\n", peer.peerId, content.Id)
		self.queueMessage(peer, NewLoadMessage(NewKnownState(content.Id)))
		return
	}

	missing := self.node.missingDependencies(content)
	if len(missing) == 0 {
		self.applyContent(peer, content)
		return
	}

	func() {
		peer.stateLock.Lock()
		defer peer.stateLock.Unlock()
		peer.pendingContent[content.Id] = []*ContentMessage{content}
	}()

	go HandleError(func() {
		loadCtx, loadCancel := context.WithTimeout(peer.ctx, self.settings.DependencyLoadTimeout)
		defer loadCancel()

		var group errgroup.Group
		for _, dependencyId := range missing {
			dependencyId := dependencyId
			group.Go(func() error {
				// the sender has the dependencies of what it sends
				_, err := self.node.loadFrom(loadCtx, dependencyId, peer.peerId)
				return err
			})
		}
		if err := group.Wait(); err != nil {
			glog.Infof("[sm]<-%s dependencies of %s error = %s\n", peer.peerId, content.Id, err)
		}

		var pending []*ContentMessage
		func() {
			peer.stateLock.Lock()
			defer peer.stateLock.Unlock()
			pending = peer.pendingContent[content.Id]
			delete(peer.pendingContent, content.Id)
		}()
		for _, pendingContent := range pending {
			self.applyContent(peer, pendingContent)
		}
	})
}

func (self *SyncManager) applyContent(peer *syncPeer, content *ContentMessage) {
	core, err := self.node.applyContent(peer.peerId, content)
	if core == nil {
		glog.Infof("[sm]<-%s content %s error = %s\n", peer.peerId, content.Id, err)
		return
	}
	if err != nil {
		var cryptoErr *CryptoError
		if errors.As(err, &cryptoErr) {
			glog.Infof("[sm]<-%s rejected content %s = %s\n", peer.peerId, content.Id, err)
		} else {
			glog.Infof("[sm]<-%s content %s error = %s\n", peer.peerId, content.Id, err)
		}
	}
	// ack. After a clean merge, an ack behind the content means a gap and is sent even when unchanged
	knownState := core.KnownState()
	gap := err == nil && !knownState.Covers(content.KnownAfter())
	self.queueKnown(peer, knownState, gap)
}

func (self *SyncManager) Close() {
	self.cancel()
}
