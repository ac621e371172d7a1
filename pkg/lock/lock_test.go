package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SharedLocksAreCompatible(t *testing.T) {
	m := New()
	res := Shard("s1")

	require.True(t, m.Acquire("op1", res, Shared, false))
	require.True(t, m.Acquire("op2", res, Shared, false))

	assert.Equal(t, Shared, m.Held("op1")[res])
	assert.Equal(t, Shared, m.Held("op2")[res])
}

func TestAcquire_ExclusiveExcludesEveryone(t *testing.T) {
	m := New()
	res := Shard("s1")

	require.True(t, m.Acquire("op1", res, Exclusive, false))
	assert.False(t, m.Acquire("op2", res, Shared, false))
	assert.False(t, m.Acquire("op2", res, Exclusive, false))
}

func TestAcquireBatch_NonBlockingDeniesAllOrNothing(t *testing.T) {
	m := New()
	shardA := Shard("a")
	shardB := Shard("b")

	require.True(t, m.Acquire("holder", shardB, Exclusive, false))

	granted := m.AcquireBatch("op1", []Request{
		{Resource: shardA, Mode: Exclusive},
		{Resource: shardB, Mode: Exclusive},
	}, false)
	assert.False(t, granted)

	// shardA must not have been left held despite being grantable alone.
	assert.Empty(t, m.Held("op1"))
}

func TestAcquireBatch_DedupesToStrongestMode(t *testing.T) {
	m := New()
	res := Shard("s1")

	granted := m.AcquireBatch("op1", []Request{
		{Resource: res, Mode: Shared},
		{Resource: res, Mode: Exclusive},
	}, false)
	require.True(t, granted)
	assert.Equal(t, Exclusive, m.Held("op1")[res])
}

func TestAcquireBatch_BlockingWaitsThenGrantsOnRelease(t *testing.T) {
	m := New()
	res := PrimaryKey("s1", "k1")

	require.True(t, m.Acquire("holder", res, Exclusive, false))

	done := make(chan struct{})
	go func() {
		ok := m.Acquire("waiter", res, Exclusive, true)
		assert.True(t, ok)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("blocking acquire returned before the holder released")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release("holder", res)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking acquire never woke up after release")
	}
	assert.Equal(t, Exclusive, m.Held("waiter")[res])
}

func TestReleaseAll_ReleasesEveryLockAnOperationHeld(t *testing.T) {
	m := New()
	cluster := Cluster()
	shard := Shard("s1")
	pk := PrimaryKey("s1", "k1")

	require.True(t, m.AcquireBatch("op1", []Request{
		{Resource: cluster, Mode: Shared},
		{Resource: shard, Mode: Shared},
		{Resource: pk, Mode: Exclusive},
	}, false))

	m.ReleaseAll("op1")
	assert.Empty(t, m.Held("op1"))

	// Every resource should now be free for a fresh exclusive acquire.
	assert.True(t, m.AcquireBatch("op2", []Request{
		{Resource: cluster, Mode: Exclusive},
		{Resource: shard, Mode: Exclusive},
		{Resource: pk, Mode: Exclusive},
	}, false))
}

func TestAcquireBatch_OrdersParentBeforeChildRegardlessOfInputOrder(t *testing.T) {
	m := New()
	cluster := Cluster()
	shard := Shard("s1")
	pk := PrimaryKey("s1", "k1")

	// Two operations submit the same resources in opposite order; the
	// manager's internal sort must still acquire cluster, then shard,
	// then primary-key for both, so neither can deadlock on the other.
	done1 := make(chan bool, 1)
	done2 := make(chan bool, 1)

	go func() {
		done1 <- m.AcquireBatch("op1", []Request{
			{Resource: pk, Mode: Shared},
			{Resource: shard, Mode: Shared},
			{Resource: cluster, Mode: Shared},
		}, true)
	}()
	go func() {
		done2 <- m.AcquireBatch("op2", []Request{
			{Resource: cluster, Mode: Shared},
			{Resource: shard, Mode: Shared},
			{Resource: pk, Mode: Shared},
		}, true)
	}()

	select {
	case ok := <-done1:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("op1 deadlocked")
	}
	select {
	case ok := <-done2:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("op2 deadlocked")
	}
}

func TestRelease_ResourceStateIsGarbageCollectedWhenIdle(t *testing.T) {
	m := New()
	res := Shard("s1")

	require.True(t, m.Acquire("op1", res, Exclusive, false))
	m.Release("op1", res)

	m.mu.Lock()
	_, exists := m.resources[res]
	m.mu.Unlock()
	assert.False(t, exists, "an idle resource with no waiters should be dropped from the table")
}
