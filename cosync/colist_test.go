package cosync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func listStrings(t *testing.T, coList *CoList) []string {
	values := []string{}
	for _, item := range coList.Items() {
		var value string
		err := json.Unmarshal(item, &value)
		assert.Equal(t, err, nil)
		values = append(values, value)
	}
	return values
}

func TestListAppendPrependDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, time.UnixMilli(1_000_000))
	group, err := a.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coList, err := a.CreateList(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coList.Len(), 0)

	assert.Equal(t, coList.Append("b"), nil)
	assert.Equal(t, coList.Append("c"), nil)
	assert.Equal(t, coList.Prepend("a"), nil)
	assert.Equal(t, listStrings(t, coList), []string{"a", "b", "c"})

	// insert after a specific item
	entries := coList.Entries()
	assert.Equal(t, coList.InsertAfter(entries[1].OpId, "b2"), nil)
	assert.Equal(t, listStrings(t, coList), []string{"a", "b", "b2", "c"})

	assert.Equal(t, coList.Delete(1), nil)
	assert.Equal(t, listStrings(t, coList), []string{"a", "b2", "c"})
	assert.NotEqual(t, coList.Delete(3), nil)
	assert.NotEqual(t, coList.Delete(-1), nil)

	value, ok := coList.Get(0)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `"a"`)
	_, ok = coList.Get(3)
	assert.Equal(t, ok, false)

	// items inserted after a deleted item stay in place
	assert.Equal(t, coList.Append("d"), nil)
	assert.Equal(t, coList.Delete(2), nil)
	assert.Equal(t, listStrings(t, coList), []string{"a", "b2", "d"})

	b, err := json.Marshal(coList)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `["a","b2","d"]`)
}

func TestListConcurrentInserts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	aClock := newTestClock(startTime)
	bClock := newTestClock(startTime)
	a := newTestNodeWithClock(t, ctx, aClock.Now)
	b := newTestNodeWithClock(t, ctx, bClock.Now)

	core, err := a.CreateCoValue(&CoValueHeader{
		Type:    CoValueTypeList,
		Ruleset: UnsafeAllowAll(),
	})
	assert.Equal(t, err, nil)
	aList := core.View().(*CoList)
	assert.Equal(t, aList.Append("x"), nil)

	copyValues(t, ctx, a, b, aList.Id())
	bList := b.availableCore(aList.Id()).View().(*CoList)
	assert.Equal(t, listStrings(t, bList), []string{"x"})

	// both append after x and prepend while offline
	aClock.AdvanceTo(startTime.Add(1 * time.Second))
	assert.Equal(t, aList.Append("a1"), nil)
	assert.Equal(t, aList.Append("a2"), nil)
	assert.Equal(t, aList.Prepend("a0"), nil)
	bClock.AdvanceTo(startTime.Add(2 * time.Second))
	assert.Equal(t, bList.Append("b1"), nil)
	assert.Equal(t, bList.Prepend("b0"), nil)

	copyValues(t, ctx, a, b, aList.Id())
	copyValues(t, ctx, b, a, aList.Id())

	// newer inserts at the same anchor come first, and runs stay together
	expected := []string{"b0", "a0", "x", "b1", "a1", "a2"}
	assert.Equal(t, listStrings(t, aList), expected)
	assert.Equal(t, listStrings(t, bList), expected)

	// a concurrent delete and insert after the same item
	aClock.AdvanceTo(startTime.Add(3 * time.Second))
	assert.Equal(t, aList.Delete(2), nil)
	bClock.AdvanceTo(startTime.Add(4 * time.Second))
	entries := bList.Entries()
	assert.Equal(t, bList.InsertAfter(entries[2].OpId, "x1"), nil)

	copyValues(t, ctx, a, b, aList.Id())
	copyValues(t, ctx, b, a, aList.Id())

	expected = []string{"b0", "a0", "x1", "b1", "a1", "a2"}
	assert.Equal(t, listStrings(t, aList), expected)
	assert.Equal(t, listStrings(t, bList), expected)
}
