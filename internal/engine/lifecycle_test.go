package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingOwner struct {
	lifecycle
	registered   int
	unregistered int
}

func newCountingOwner() *countingOwner {
	o := &countingOwner{}
	o.owner = o
	return o
}

func (o *countingOwner) register()   { o.registered++ }
func (o *countingOwner) unregister() { o.unregistered++ }

func TestLifecycle_RegistersOnFirstRetainAndUnregistersOnLastRelease(t *testing.T) {
	o := newCountingOwner()
	var hooks int
	o.onUnregister = func() { hooks++ }

	o.retain()
	o.retain()
	assert.Equal(t, 1, o.registered)
	assert.Equal(t, 2, o.Refcount())

	o.release()
	assert.Equal(t, 0, o.unregistered)

	o.release()
	assert.Equal(t, 1, o.unregistered)
	assert.Equal(t, 1, hooks)
	assert.Equal(t, 0, o.Refcount())

	// a later retain registers again without the consumed hook
	o.retain()
	o.release()
	assert.Equal(t, 2, o.registered)
	assert.Equal(t, 1, hooks)
}

func TestLifecycle_ReleaseBelowZeroIsServerError(t *testing.T) {
	o := newCountingOwner()

	err := protect(func() error {
		o.release()
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.Equal(t, 0, o.unregistered)
}

func TestCondition_SignalIsIdempotent(t *testing.T) {
	c := NewCondition()
	assert.False(t, c.IsSet())

	c.Signal()
	c.Signal()

	assert.True(t, c.IsSet())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Signal")
	}
}

func TestCondition_EnqueueChainsGatesInOrder(t *testing.T) {
	slot := signaledCondition()

	prev1, next1 := enqueue(&slot)
	prev2, next2 := enqueue(&slot)

	assert.True(t, prev1.IsSet(), "first holder runs immediately")
	assert.Same(t, next1, prev2, "second holder waits on the first")
	assert.Same(t, next2, slot)
	assert.False(t, prev2.IsSet())

	next1.Signal()
	assert.True(t, prev2.IsSet())
}

func TestCondition_WaitersAreReleasedTogether(t *testing.T) {
	c := NewCondition()
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			<-c.Done()
			done <- struct{}{}
		}()
	}

	c.Signal()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
	}
}

func TestReference_KeysAndString(t *testing.T) {
	g := NewGroup(newMemStore(), DefaultConfig())

	global := newGlobalReference(g, "Note", "o1")
	local := newLocalReference(g, "Note", "n1", "alice")
	null := NullReference()

	assert.True(t, global.IsGlobal())
	assert.False(t, global.IsLocal())
	assert.Equal(t, "Note/o1", global.String())

	assert.True(t, local.IsLocal())
	assert.False(t, local.IsGlobal())
	assert.Equal(t, "Note/alice:n1", local.String())
	assert.Equal(t, Pointer{}, local.pointer(), "local references are stored as null")

	assert.True(t, null.IsNull())
	assert.False(t, null.IsGlobal())
	assert.Equal(t, "null", null.String())
	assert.Nil(t, null.object())

	local.makeGlobal("o2", nil)
	assert.True(t, local.IsGlobal())
	assert.True(t, local.IsLocal(), "a promoted reference answers to both keys")
	assert.Equal(t, Pointer{Subclass: "Note", ID: "o2"}, local.pointer())
}

func TestReference_PromotingTwiceIsServerError(t *testing.T) {
	g := NewGroup(newMemStore(), DefaultConfig())
	ref := newGlobalReference(g, "Note", "o1")

	err := protect(func() error {
		ref.makeGlobal("o2", nil)
		return nil
	})

	assert.True(t, IsServerError(err))
}

func TestGroup_FromStoreConvertsStoredValues(t *testing.T) {
	g := NewGroup(newMemStore(), DefaultConfig())

	assert.Equal(t, float64(3), g.fromStore(int64(3)))
	assert.Equal(t, float64(4), g.fromStore(4))
	assert.Equal(t, "text", g.fromStore("text"))
	assert.True(t, asReference(g.fromStore(nil)) == nil)
	assert.True(t, asReference(g.fromStore(Pointer{})) == nil)

	ref := asReference(g.fromStore(Pointer{Subclass: "Tag", ID: "o9"}))
	require.NotNil(t, ref)
	assert.Equal(t, "Tag/o9", ref.String())

	ref = asReference(g.fromStore(&Pointer{Subclass: "Tag", ID: "o8"}))
	require.NotNil(t, ref)
	assert.Equal(t, "Tag/o8", ref.String())
}

func TestSnapshot_AllocatesIncreasingSequences(t *testing.T) {
	g := NewGroup(newMemStore(), DefaultConfig())

	s1 := newSnapshot(g).retain()
	s2 := newSnapshot(g).retain()
	assert.Less(t, s1.Sequence(), s2.Sequence())
	assert.Equal(t, 2, g.Stats().Snapshots)

	// a later snapshot is kept until every earlier one retires
	s2.release()
	assert.Equal(t, 2, g.Stats().Snapshots)

	s1.release()
	assert.Equal(t, 0, g.Stats().Snapshots)
}

func TestErrors_DescribeSeparatesCallerFaults(t *testing.T) {
	reason, userFault := Describe(userErrorf("no such query %s", "7"))
	assert.True(t, userFault)
	assert.Equal(t, "no such query 7", reason)

	broken := fmt.Errorf("wrapped: %w", serverErrorf("bad state"))
	reason, userFault = Describe(broken)
	assert.False(t, userFault)
	assert.Equal(t, "internal server error", reason, "engine state stays out of replies")
	assert.Equal(t, "wrapped: internal error: bad state", broken.Error())

	reason, userFault = Describe(errors.New("connection refused"))
	assert.False(t, userFault)
	assert.Equal(t, "internal server error", reason)
}

func TestErrors_NotFoundIsUserError(t *testing.T) {
	g := NewGroup(newMemStore(), DefaultConfig())
	err := notFoundError(newGlobalReference(g, "Note", "o1"))

	assert.True(t, IsUserError(err))
	assert.True(t, IsNotFound(err))
	assert.EqualError(t, err, "object not found: Note/o1")
}

func TestProtect_LetsForeignPanicsThrough(t *testing.T) {
	assert.Panics(t, func() {
		_ = protect(func() error { panic("boom") })
	})

	err := protect(func() error { panic(userErrorf("bad input")) })
	assert.True(t, IsUserError(err))
}
