package cosync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestAllowAllMap(t *testing.T, node *LocalNode) *CoMap {
	core, err := node.CreateCoValue(&CoValueHeader{
		Type:    CoValueTypeMap,
		Ruleset: UnsafeAllowAll(),
	})
	assert.Equal(t, err, nil)
	return core.View().(*CoMap)
}

func TestTryAddTransactionsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	assert.Equal(t, coMap.Set("a", 1), nil)
	assert.Equal(t, coMap.Set("b", 2), nil)
	assert.Equal(t, coMap.Set("a", 3), nil)

	sessionId := a.SessionId()
	txs := coMap.Core().Transactions(sessionId)
	assert.Equal(t, len(txs), 3)

	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)
	assert.Equal(t, core.Id(), coMap.Id())

	added, err := core.TryAddTransactions(sessionId, 0, txs)
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 3)
	version := core.Version()

	// duplicates are a no-op
	added, err = core.TryAddTransactions(sessionId, 0, txs)
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 0)
	added, err = core.TryAddTransactions(sessionId, 1, txs[1:])
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 0)
	assert.Equal(t, core.Version(), version)

	assert.Equal(t, core.KnownState().Sessions[sessionId], 3)
	assert.Equal(t, core.KnownState().Covers(coMap.Core().KnownState()), true)

	view := core.View().(*CoMap)
	value, ok := view.Get("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "3")
	assert.Equal(t, view.Keys(), []string{"a", "b"})
	assert.Equal(t, view.LoadState(), LoadStateFullyLoaded)
}

func TestTryAddTransactionsGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	for i := 0; i < 5; i += 1 {
		assert.Equal(t, coMap.Set("n", i), nil)
	}
	sessionId := a.SessionId()
	txs := coMap.Core().Transactions(sessionId)

	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)

	// ahead of a gap
	added, err := core.TryAddTransactions(sessionId, 3, txs[3:])
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 0)
	assert.Equal(t, core.BufferedCount(), 2)
	assert.Equal(t, core.KnownState().Sessions[sessionId], 0)
	assert.Equal(t, core.LoadState(), LoadStateEmpty)

	added, err = core.TryAddTransactions(sessionId, 0, txs[:2])
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 2)
	assert.Equal(t, core.BufferedCount(), 2)
	assert.Equal(t, core.LoadState(), LoadStatePartiallyLoaded)

	// filling the gap drains the buffer
	added, err = core.TryAddTransactions(sessionId, 2, txs[2:3])
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 3)
	assert.Equal(t, core.BufferedCount(), 0)
	assert.Equal(t, core.KnownState().Sessions[sessionId], 5)
	assert.Equal(t, core.LoadState(), LoadStateFullyLoaded)

	value, ok := core.View().(*CoMap).Get("n")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "4")
}

func TestTryAddTransactionsGapLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	for i := 0; i < 3; i += 1 {
		assert.Equal(t, coMap.Set("n", i), nil)
	}
	sessionId := a.SessionId()
	txs := coMap.Core().Transactions(sessionId)

	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)

	// far past the end of the log
	added, err := core.TryAddTransactions(sessionId, 1<<30, txs)
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 0)
	assert.Equal(t, core.BufferedCount(), 0)

	// the last slot inside the limit is kept, the rest of the batch is dropped
	added, err = core.TryAddTransactions(sessionId, MaxBufferedTransactions-1, txs)
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 0)
	assert.Equal(t, core.BufferedCount(), 1)

	added, err = core.TryAddTransactions(sessionId, 0, txs)
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 3)
	assert.Equal(t, core.KnownState().Sessions[sessionId], 3)
}

func TestTryAddTransactionsBadSignature(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	assert.Equal(t, coMap.Set("a", 1), nil)
	assert.Equal(t, coMap.Set("a", 2), nil)
	sessionId := a.SessionId()
	txs := coMap.Core().Transactions(sessionId)

	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)

	tampered := *txs[1]
	tampered.Changes = []byte(`[{"op":"set","key":"a","value":666}]`)

	added, err := core.TryAddTransactions(sessionId, 0, []*Transaction{txs[0], &tampered})
	var cryptoErr *CryptoError
	assert.Equal(t, errors.As(err, &cryptoErr), true)
	assert.Equal(t, cryptoErr.Kind, CryptoErrorSignatureMismatch)
	assert.Equal(t, added, 1)
	assert.Equal(t, core.KnownState().Sessions[sessionId], 1)

	// the real transaction still merges
	added, err = core.TryAddTransactions(sessionId, 1, txs[1:])
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 1)
	value, _ := core.View().(*CoMap).Get("a")
	assert.Equal(t, string(value), "2")

	// a session claiming another author does not verify
	otherSessionId := NewSessionId(AccountOrAgentId(b.AgentId()))
	_, err = core.TryAddTransactions(otherSessionId, 0, txs[:1])
	assert.Equal(t, errors.As(err, &cryptoErr), true)
}

func TestMadeAtMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a clock that goes backwards
	clockTimes := []int64{5000, 4000, 3000, 6000}
	i := 0
	node := newTestNodeWithClock(t, ctx, func() time.Time {
		clockTime := clockTimes[min(i, len(clockTimes)-1)]
		i += 1
		return time.UnixMilli(clockTime)
	})

	core, err := node.CreateCoValue(&CoValueHeader{
		Type:       CoValueTypeStream,
		Ruleset:    UnsafeAllowAll(),
		CreatedAt:  1,
		Uniqueness: "s",
	})
	assert.Equal(t, err, nil)
	stream := core.View().(*CoStream)
	for j := 0; j < 3; j += 1 {
		assert.Equal(t, stream.Push(j), nil)
	}
	txs := core.Transactions(node.SessionId())
	assert.Equal(t, len(txs), 3)
	for j := 1; j < len(txs); j += 1 {
		assert.Equal(t, txs[j-1].MadeAt <= txs[j].MadeAt, true)
	}
}

func TestNewContentSince(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	coMap := newTestAllowAllMap(t, node)

	// header only
	messages := coMap.Core().NewContentSince(nil, 2)
	assert.Equal(t, len(messages), 1)
	assert.NotEqual(t, messages[0].Header, nil)
	assert.Equal(t, len(messages[0].Transactions), 0)

	for i := 0; i < 5; i += 1 {
		assert.Equal(t, coMap.Set("n", i), nil)
	}

	messages = coMap.Core().NewContentSince(nil, 2)
	assert.Equal(t, len(messages), 3)
	assert.NotEqual(t, messages[0].Header, nil)
	assert.Equal(t, messages[1].Header, nil)
	assert.Equal(t, messages[0].After, 0)
	assert.Equal(t, messages[1].After, 2)
	assert.Equal(t, messages[2].After, 4)
	assert.Equal(t, len(messages[2].Transactions), 1)

	knownState := messages[0].KnownAfter()
	knownState.Combine(messages[1].KnownAfter())
	messages = coMap.Core().NewContentSince(knownState, 10)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Header, nil)
	assert.Equal(t, messages[0].After, 4)

	messages = coMap.Core().NewContentSince(coMap.Core().KnownState(), 10)
	assert.Equal(t, len(messages), 0)

	// a negative count reads as nothing known
	negativeState := NewKnownState(coMap.Id())
	negativeState.Header = true
	negativeState.Sessions[node.SessionId()] = -1
	messages = coMap.Core().NewContentSince(negativeState, 10)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].After, 0)
	assert.Equal(t, len(messages[0].Transactions), 5)
}

func TestSubscribeCore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	coMap := newTestAllowAllMap(t, node)

	versions := []uint64{}
	unsubscribe := coMap.Core().Subscribe(func(core *CoValueCore) {
		versions = append(versions, core.Version())
	})
	assert.Equal(t, coMap.Set("a", 1), nil)
	assert.Equal(t, coMap.Set("a", 2), nil)
	unsubscribe()
	assert.Equal(t, coMap.Set("a", 3), nil)

	assert.Equal(t, versions, []uint64{1, 2})
}

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	assert.Equal(t, counter.Write(metric), nil)
	return metric.GetCounter().GetValue()
}

func TestMalformedCountedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	a := newTestNode(t, ctx, startTime)
	b := newTestNode(t, ctx, startTime)

	coMap := newTestAllowAllMap(t, a)
	sessionId := a.SessionId()
	signerSecret := a.agentSecret().SignerSecret()

	// signed correctly, but the changes do not decode
	log := newSessionLog(coMap.Id(), sessionId)
	signNext := func(changes string) *Transaction {
		tx := &Transaction{
			SessionId: sessionId,
			TxIndex:   len(log.transactions),
			Privacy:   PrivacyTrusting,
			MadeAt:    int64(len(log.transactions) + 1),
			Changes:   []byte(changes),
		}
		nextHash := log.nextHash(tx)
		signature, err := Sign(signerSecret, nextHash[:])
		assert.Equal(t, err, nil)
		tx.Signature = signature
		log.transactions = append(log.transactions, tx)
		log.lastHash = nextHash
		return tx
	}
	badTx := signNext("not json")
	goodTx := signNext(`[{"op":"set","key":"a","value":1}]`)

	malformed := transactionsRejected.WithLabelValues("malformed")
	before := counterValue(t, malformed)

	core, err := newCoValueCore(b, coMap.Core().Header())
	assert.Equal(t, err, nil)
	added, err := core.TryAddTransactions(sessionId, 0, []*Transaction{badTx})
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 1)
	assert.Equal(t, len(core.View().(*CoMap).Keys()), 0)
	assert.Equal(t, counterValue(t, malformed), before+1)

	// each append rebuilds the view
	added, err = core.TryAddTransactions(sessionId, 1, []*Transaction{goodTx})
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 1)
	assert.Equal(t, core.View().(*CoMap).Keys(), []string{"a"})
	assert.Equal(t, counterValue(t, malformed), before+1)
}
