package cosync

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSyncThroughServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	server := newTestNode(t, ctx, startTime)
	c := newTestNode(t, ctx, startTime.Add(time.Hour))
	d := newTestNode(t, ctx, startTime.Add(2*time.Hour))

	// edits before there is any peer
	group, err := c.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, EveryoneMember, RoleReader), nil)
	coMap, err := c.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("a", 1), nil)

	connectTestNodes(ctx, c, server, "c", "server")
	assert.Equal(t, c.SyncManager().ServerPeerIds(), []PeerId{"server"})

	uploadCtx, uploadCancel := context.WithTimeout(ctx, 5*time.Second)
	defer uploadCancel()
	assert.Equal(t, c.WaitForUploadIntoPeer(uploadCtx, "server", coMap.Id()), nil)
	assert.Equal(t, c.WaitForSync(uploadCtx, group.Id()), nil)

	serverMap := server.availableCore(coMap.Id())
	assert.NotEqual(t, serverMap, nil)
	assert.Equal(t, serverMap.KnownState().Covers(coMap.Core().KnownState()), true)
	// the server stored what it received
	_, err = server.settings.Storage.Load(ctx, coMap.Id())
	assert.Equal(t, err, nil)

	// a second client loads through the server
	connectTestNodes(ctx, d, server, "d", "server")
	view, err := d.Load(uploadCtx, coMap.Id())
	assert.Equal(t, err, nil)
	dMap := view.(*CoMap)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		value, ok := dMap.Get("a")
		return ok && string(value) == "1"
	}), true)

	var stateLock sync.Mutex
	updates := 0
	unsubscribe := d.Subscribe(coMap.Id(), func(view CoValueView, kind ValueStateKind) {
		stateLock.Lock()
		defer stateLock.Unlock()
		if view != nil {
			updates += 1
		}
	})
	defer unsubscribe()

	// live updates flow to the subscribed client
	assert.Equal(t, coMap.Set("b", 2), nil)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		value, ok := dMap.Get("b")
		return ok && string(value) == "2"
	}), true)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return 2 <= updates
	}), true)

	// readers cannot write
	err = dMap.Set("c", 3)
	var permissionErr *PermissionError
	assert.Equal(t, errors.As(err, &permissionErr), true)
}

func TestSyncReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	server := newTestNode(t, ctx, startTime)
	c := newTestNode(t, ctx, startTime.Add(time.Hour))

	coreMap, err := c.CreateCoValue(&CoValueHeader{
		Type:    CoValueTypeMap,
		Ruleset: UnsafeAllowAll(),
	})
	assert.Equal(t, err, nil)
	coMap := coreMap.View().(*CoMap)
	assert.Equal(t, coMap.Set("a", 1), nil)

	connectTestNodes(ctx, c, server, "c", "server")
	uploadCtx, uploadCancel := context.WithTimeout(ctx, 5*time.Second)
	defer uploadCancel()
	assert.Equal(t, c.WaitForUploadIntoPeer(uploadCtx, "server", coMap.Id()), nil)

	c.RemovePeer("server")
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return len(c.SyncManager().PeerIds()) == 0
	}), true)
	err = c.WaitForUploadIntoPeer(uploadCtx, "server", coMap.Id())
	assert.Equal(t, err, ErrPeerNotFound)

	// offline edits are sent on reconnect
	for i := 0; i < 100; i += 1 {
		assert.Equal(t, coMap.Set("a", i), nil)
	}
	connectTestNodes(ctx, c, server, "c", "server")
	assert.Equal(t, c.WaitForUploadIntoPeer(uploadCtx, "server", coMap.Id()), nil)

	serverMap := server.availableCore(coMap.Id()).View().(*CoMap)
	assert.Equal(t, len(serverMap.History("a")), 101)
	value, ok := serverMap.Get("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "99")
}

func TestSyncServerRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	storage := NewMemoryStorage()
	newServer := func() *LocalNode {
		settings := DefaultLocalNodeSettings()
		settings.Clock = newTestClock(startTime).Now
		settings.Storage = storage
		server, err := NewLocalNode(ctx, NewAgentSecret(), settings)
		assert.Equal(t, err, nil)
		return server
	}

	server := newServer()
	c := newTestNode(t, ctx, startTime.Add(time.Hour))
	d := newTestNode(t, ctx, startTime.Add(2*time.Hour))

	group, err := c.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, AccountOrAgentId(d.AgentId()), RoleWriter), nil)
	coMap, err := c.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("a", 1), nil)

	connectTestNodes(ctx, c, server, "c", "server")
	uploadCtx, uploadCancel := context.WithTimeout(ctx, 5*time.Second)
	defer uploadCancel()
	assert.Equal(t, c.WaitForUploadIntoPeer(uploadCtx, "server", coMap.Id()), nil)
	server.Close()

	// a new server on the same storage serves the value from storage
	restarted := newServer()
	defer restarted.Close()
	connectTestNodes(ctx, d, restarted, "d", "server")
	view, err := d.Load(uploadCtx, coMap.Id())
	assert.Equal(t, err, nil)
	dMap := view.(*CoMap)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		value, ok := dMap.Get("a")
		return ok && string(value) == "1"
	}), true)

	assert.Equal(t, dMap.Set("b", 2), nil)
	assert.Equal(t, d.WaitForSync(uploadCtx, coMap.Id()), nil)
	stored, err := storage.Load(ctx, coMap.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(stored.Sessions), 2)
}

func TestSyncUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	c := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	connectTestNodes(ctx, c, server, "c", "server")

	header := &CoValueHeader{
		Type:       CoValueTypeMap,
		Ruleset:    UnsafeAllowAll(),
		CreatedAt:  1,
		Uniqueness: "missing",
	}
	loadCtx, loadCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer loadCancel()
	_, err := c.Load(loadCtx, header.RequireId())
	var unavailableErr *UnavailableError
	assert.Equal(t, errors.As(err, &unavailableErr), true)
	assert.Equal(t, unavailableErr.Id, header.RequireId())

	state := c.ValueStore().State(header.RequireId())
	assert.NotEqual(t, state.Kind(), ValueAvailable)
}

func TestSyncOfflineThenAvailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	server := newTestNode(t, ctx, startTime)
	a := newTestNode(t, ctx, startTime.Add(time.Hour))
	b := newTestNode(t, ctx, startTime.Add(2*time.Hour))

	// a is offline
	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, EveryoneMember, RoleReader), nil)
	coMap, err := a.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("a", 1), nil)

	connectTestNodes(ctx, b, server, "b", "server")
	loadCtx, loadCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer loadCancel()
	_, err = b.Load(loadCtx, coMap.Id())
	var unavailableErr *UnavailableError
	assert.Equal(t, errors.As(err, &unavailableErr), true)

	var stateLock sync.Mutex
	var latest CoValueView
	kinds := []ValueStateKind{}
	unsubscribe := b.Subscribe(coMap.Id(), func(view CoValueView, kind ValueStateKind) {
		stateLock.Lock()
		defer stateLock.Unlock()
		if view != nil {
			latest = view
		}
		if len(kinds) == 0 || kinds[len(kinds)-1] != kind {
			kinds = append(kinds, kind)
		}
	})
	defer unsubscribe()

	// the subscriber sees the value is unavailable
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return slices.Contains(kinds, ValueUnavailable)
	}), true)

	// the subscription keeps retrying until a comes online
	connectTestNodes(ctx, a, server, "a", "server")
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		if latest == nil {
			return false
		}
		value, ok := latest.(*CoMap).Get("a")
		return ok && string(value) == "1"
	}), true)
	assert.Equal(t, b.ValueStore().State(coMap.Id()).Kind(), ValueAvailable)

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, kinds[len(kinds)-1], ValueAvailable)
	unavailableIndex := slices.Index(kinds, ValueUnavailable)
	assert.NotEqual(t, unavailableIndex, -1)
	assert.Equal(t, unavailableIndex < slices.Index(kinds, ValueAvailable), true)
}

// a peer on the other end of a pipe, driven by the test
type testRawPeer struct {
	t         *testing.T
	ctx       context.Context
	transport Transport
}

func newTestRawPeer(t *testing.T, ctx context.Context, node *LocalNode, peerId PeerId, role PeerRole) *testRawPeer {
	nodeTransport, rawTransport := NewTransportPipe(ctx)
	node.AddPeer(peerId, role, nodeTransport)
	return &testRawPeer{
		t:         t,
		ctx:       ctx,
		transport: rawTransport,
	}
}

func (self *testRawPeer) send(message *SyncMessage) {
	frame, err := EncodeSyncMessage(message)
	assert.Equal(self.t, err, nil)
	assert.Equal(self.t, self.transport.Send(self.ctx, frame), nil)
}

func (self *testRawPeer) sendContent(core *CoValueCore) {
	for _, content := range core.NewContentSince(nil, 100) {
		self.send(NewContentSyncMessage(content))
	}
}

// reads messages until `test` accepts one
func (self *testRawPeer) receiveUntil(timeout time.Duration, test func(*SyncMessage) bool) bool {
	endTimer := time.After(timeout)
	for {
		select {
		case frame := <-self.transport.Receive():
			message, err := DecodeSyncMessage(frame)
			assert.Equal(self.t, err, nil)
			if test(message) {
				return true
			}
		case <-self.transport.Done():
			return false
		case <-endTimer:
			return false
		}
	}
}

func TestSyncResendWhenPeerBehind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	coMap := newTestAllowAllMap(t, a)
	assert.Equal(t, coMap.Set("a", 1), nil)

	raw := newTestRawPeer(t, ctx, a, "raw", PeerRoleClient)
	hasContent := func(message *SyncMessage) bool {
		return message.Kind == SyncMessageContent && message.Content.Id == coMap.Id() && 0 < len(message.Content.Transactions)
	}

	raw.send(NewLoadMessage(NewKnownState(coMap.Id())))
	assert.Equal(t, raw.receiveUntil(5*time.Second, hasContent), true)

	// the peer dropped what it received and asks again
	raw.send(NewLoadMessage(NewKnownState(coMap.Id())))
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return hasContent(message) && message.Content.Header != nil && message.Content.After == 0
	}), true)

	// an ack that adds nothing and is behind what was sent
	behind := NewKnownState(coMap.Id())
	behind.Header = true
	behind.Sessions[a.SessionId()] = 0
	raw.send(NewKnownMessage(behind))
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return hasContent(message) && message.Content.After == 0
	}), true)

	// an ack of everything sends nothing more
	raw.send(NewKnownMessage(coMap.Core().KnownState()))
	assert.Equal(t, raw.receiveUntil(300*time.Millisecond, hasContent), false)

	// the ack was recorded
	uploadCtx, uploadCancel := context.WithTimeout(ctx, time.Second)
	defer uploadCancel()
	assert.Equal(t, a.WaitForUploadIntoPeer(uploadCtx, "raw", coMap.Id()), nil)
}

func TestSyncOutOfRangeKnownIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	coMap := newTestAllowAllMap(t, a)
	assert.Equal(t, coMap.Set("a", 1), nil)

	raw := newTestRawPeer(t, ctx, a, "raw", PeerRoleServer)
	// a count that reads as -1 when truncated to an int
	frame := appendTestKnownFrame(nil, SyncMessageKnown, coMap.Id(), a.SessionId(), math.MaxUint64)
	assert.Equal(t, raw.transport.Send(ctx, frame), nil)
	// messages are handled in order, so the reply to this load comes after the bad frame was read
	raw.send(NewLoadMessage(NewKnownState(coMap.Id())))
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return message.Kind == SyncMessageKnown && message.Known.Id == coMap.Id()
	}), true)

	// local writes push to the peer and still succeed
	assert.Equal(t, coMap.Set("a", 2), nil)
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return message.Kind == SyncMessageContent && message.Content.Id == coMap.Id() && message.Content.After == 1
	}), true)
	assert.Equal(t, len(a.SyncManager().PeerIds()), 1)
}

func TestSyncGapAckResends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	for i := 0; i < 3; i += 1 {
		assert.Equal(t, coMap.Set("n", i), nil)
	}
	messages := coMap.Core().NewContentSince(nil, 1)
	assert.Equal(t, len(messages), 3)

	raw := newTestRawPeer(t, ctx, b, "raw", PeerRoleServer)
	raw.send(NewContentSyncMessage(messages[0]))
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return message.Kind == SyncMessageKnown && message.Known.Id == coMap.Id() && message.Known.Sessions[a.SessionId()] == 1
	}), true)

	// the middle message is lost, so b acks where it is even though it is unchanged
	raw.send(NewContentSyncMessage(messages[2]))
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return message.Kind == SyncMessageKnown && message.Known.Id == coMap.Id() && message.Known.Sessions[a.SessionId()] == 1
	}), true)

	raw.send(NewContentSyncMessage(messages[1]))
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		core := b.availableCore(coMap.Id())
		return core != nil && core.KnownState().Sessions[a.SessionId()] == 3
	}), true)
}

func TestSyncDependencyFromSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	server := newTestNode(t, ctx, startTime)
	c := newTestNode(t, ctx, startTime.Add(time.Hour))

	group, err := c.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coMap, err := c.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("a", 1), nil)

	// the server has no server peers of its own, so only the client can supply the group
	raw := newTestRawPeer(t, ctx, server, "c", PeerRoleClient)
	raw.sendContent(coMap.Core())
	assert.Equal(t, raw.receiveUntil(5*time.Second, func(message *SyncMessage) bool {
		return message.Kind == SyncMessageLoad && message.Known.Id == group.Id()
	}), true)

	raw.sendContent(group.Core())
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		serverMap := server.availableCore(coMap.Id())
		return serverMap != nil && serverMap.KnownState().Covers(coMap.Core().KnownState())
	}), true)
	assert.NotEqual(t, server.availableCore(group.Id()), nil)
}
