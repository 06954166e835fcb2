package cosync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestGroupRoles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	bAgentId, _ := NewAgentSecret().AgentId()
	cAgentId, _ := NewAgentSecret().AgentId()
	me := AccountOrAgentId(a.AgentId())

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.MyRole(), RoleAdmin)
	_, ok := group.ReadKeyId()
	assert.Equal(t, ok, true)
	assert.Equal(t, group.Members(), map[AccountOrAgentId]Role{me: RoleAdmin})

	assert.Equal(t, group.AddMember(ctx, AccountOrAgentId(bAgentId), RoleWriter), nil)
	assert.Equal(t, group.RoleOf(AccountOrAgentId(bAgentId)), RoleWriter)
	assert.Equal(t, group.RoleOf(AccountOrAgentId(cAgentId)), RoleNone)

	assert.Equal(t, group.AddMember(ctx, EveryoneMember, RoleReader), nil)
	assert.Equal(t, group.RoleOf(AccountOrAgentId(cAgentId)), RoleReader)
	// an explicit role wins over everyone
	assert.Equal(t, group.RoleOf(AccountOrAgentId(bAgentId)), RoleWriter)

	assert.Equal(t, group.Set("name", "friends"), nil)
	value, ok := group.Get("name")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"friends"`)

	assert.NotEqual(t, group.Set(string(bAgentId), RoleAdmin), nil)
	assert.NotEqual(t, group.AddMember(ctx, AccountOrAgentId(cAgentId), Role("owner")), nil)
	assert.NotEqual(t, group.AddMember(ctx, AccountOrAgentId("nobody"), RoleReader), nil)

	// every group transaction is valid
	for _, tx := range group.Core().Transactions(a.SessionId()) {
		assert.Equal(t, group.Core().Validity(tx.TxId()), ValidityValid)
	}
	assert.Equal(t, group.LoadState(), LoadStateFullyLoaded)
}

func TestGroupAdminOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime.Add(time.Hour))

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, AccountOrAgentId(b.AgentId()), RoleWriter), nil)

	copyValues(t, ctx, a, b, group.Id())
	bGroup := b.availableCore(group.Id()).View().(*Group)
	assert.Equal(t, bGroup.MyRole(), RoleWriter)

	// a writer cannot grant
	cAgentId, _ := NewAgentSecret().AgentId()
	err = bGroup.AddMember(ctx, AccountOrAgentId(cAgentId), RoleReader)
	var permissionErr *PermissionError
	assert.Equal(t, errors.As(err, &permissionErr), true)
	assert.Equal(t, permissionErr.Role, RoleWriter)

	// a forged grant is invalid on every replica
	roleOp, err := newSetOp(string(cAgentId), RoleAdmin)
	assert.Equal(t, err, nil)
	tx, err := bGroup.Core().MakeTransaction([]any{roleOp}, PrivacyTrusting)
	assert.Equal(t, err, nil)
	assert.Equal(t, bGroup.Core().Validity(tx.TxId()), ValidityInvalid)
	assert.Equal(t, bGroup.RoleOf(AccountOrAgentId(cAgentId)), RoleNone)

	copyValues(t, ctx, b, a, group.Id())
	assert.Equal(t, group.Core().Validity(tx.TxId()), ValidityInvalid)
	assert.Equal(t, group.RoleOf(AccountOrAgentId(cAgentId)), RoleNone)

	// a member may leave
	assert.Equal(t, bGroup.RemoveMember(ctx, AccountOrAgentId(b.AgentId())), nil)
	assert.Equal(t, bGroup.MyRole(), RoleRevoked)
	copyValues(t, ctx, b, a, group.Id())
	assert.Equal(t, group.RoleOf(AccountOrAgentId(b.AgentId())), RoleRevoked)
}

func TestRevocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	aClock := newTestClock(startTime)
	bClock := newTestClock(startTime.Add(1 * time.Second))
	a := newTestNodeWithClock(t, ctx, aClock.Now)
	b := newTestNodeWithClock(t, ctx, bClock.Now)
	bMember := AccountOrAgentId(b.AgentId())

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coMap, err := a.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, bMember, RoleWriter), nil)
	assert.Equal(t, coMap.Set("x", "a1"), nil)

	copyValues(t, ctx, a, b, group.Id(), coMap.Id())
	bMap := b.availableCore(coMap.Id()).View().(*CoMap)
	value, ok := bMap.Get("x")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"a1"`)

	// a write while b is a writer
	assert.Equal(t, bMap.Set("y", "b1"), nil)
	copyValues(t, ctx, b, a, coMap.Id())
	value, ok = coMap.Get("y")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"b1"`)

	aClock.AdvanceTo(startTime.Add(2 * time.Second))
	assert.Equal(t, group.RemoveMember(ctx, bMember), nil)
	assert.Equal(t, group.RoleOf(bMember), RoleRevoked)
	assert.Equal(t, coMap.Set("secret", "s"), nil)

	// b has not seen the revocation and writes after it
	bClock.AdvanceTo(startTime.Add(3 * time.Second))
	assert.Equal(t, bMap.Set("z", "b2"), nil)
	bTxs := bMap.Core().Transactions(b.SessionId())
	lateTx := bTxs[len(bTxs)-1]

	copyValues(t, ctx, b, a, coMap.Id())
	_, ok = coMap.Get("z")
	assert.Equal(t, ok, false)
	assert.Equal(t, coMap.Core().Validity(lateTx.TxId()), ValidityInvalid)
	// earlier writes stay valid
	value, ok = coMap.Get("y")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"b1"`)
	value, ok = coMap.Get("secret")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"s"`)

	copyValues(t, ctx, a, b, group.Id(), coMap.Id())
	assert.Equal(t, bMap.Core().Validity(lateTx.TxId()), ValidityInvalid)
	_, ok = bMap.Get("z")
	assert.Equal(t, ok, false)
	// content under the rotated key is sealed from b
	_, ok = bMap.Get("secret")
	assert.Equal(t, ok, false)
	aTxs := bMap.Core().Transactions(a.SessionId())
	secretTx := aTxs[len(aTxs)-1]
	assert.Equal(t, bMap.Core().Validity(secretTx.TxId()), ValidityValid)
	// the load state never regresses
	assert.Equal(t, bMap.LoadState(), LoadStateFullyLoaded)
	value, ok = bMap.Get("x")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"a1"`)

	err = bMap.Set("w", "b3")
	var permissionErr *PermissionError
	assert.Equal(t, errors.As(err, &permissionErr), true)
	assert.Equal(t, permissionErr.Role, RoleRevoked)
}

func TestKeyRotation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	c := newTestNode(t, ctx, startTime.Add(time.Hour))

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coMap, err := a.CreateMap(group, nil)
	assert.Equal(t, err, nil)

	firstKeyId, _ := group.ReadKeyId()
	assert.Equal(t, coMap.Set("old", 1), nil)
	assert.Equal(t, group.RotateReadKey(ctx), nil)
	secondKeyId, _ := group.ReadKeyId()
	assert.NotEqual(t, firstKeyId, secondKeyId)
	assert.Equal(t, coMap.Set("new", 2), nil)

	txs := coMap.Core().Transactions(a.SessionId())
	assert.Equal(t, txs[0].Privacy, PrivacyPrivate)
	assert.Equal(t, txs[0].KeyUsed, firstKeyId)
	assert.Equal(t, txs[1].KeyUsed, secondKeyId)
	assert.Equal(t, len(txs[0].Changes), 0)

	// a reader added later only gets the current key, and reaches the old one through it
	assert.Equal(t, group.AddMember(ctx, AccountOrAgentId(c.AgentId()), RoleReader), nil)
	copyValues(t, ctx, a, c, group.Id(), coMap.Id())

	cMap := c.availableCore(coMap.Id()).View().(*CoMap)
	assert.Equal(t, cMap.Keys(), []string{"new", "old"})
	assert.Equal(t, cMap.LoadState(), LoadStateFullyLoaded)

	err = cMap.Set("c", 3)
	var permissionErr *PermissionError
	assert.Equal(t, errors.As(err, &permissionErr), true)
	assert.Equal(t, permissionErr.Role, RoleReader)
}

func TestPublicGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime.Add(time.Hour))

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, group.AddMember(ctx, EveryoneMember, RoleReader), nil)
	coMap, err := a.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("hello", "world"), nil)

	copyValues(t, ctx, a, b, group.Id(), coMap.Id())
	bMap := b.availableCore(coMap.Id()).View().(*CoMap)
	value, ok := bMap.Get("hello")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"world"`)
}

func TestOpaqueWithoutGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime.Add(time.Hour))

	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coMap, err := a.CreateMap(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coMap.Set("a", 1), nil)

	// the map without its group is pending
	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)
	_, err = core.TryAddTransactions(a.SessionId(), 0, coMap.Core().Transactions(a.SessionId()))
	assert.Equal(t, err, nil)
	tx := coMap.Core().Transactions(a.SessionId())[0]
	assert.Equal(t, core.Validity(tx.TxId()), ValidityPending)
	assert.Equal(t, core.LoadState(), LoadStateEmpty)
	assert.Equal(t, len(core.ValidSortedTransactions()), 0)
}
