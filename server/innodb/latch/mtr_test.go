package latch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMtrLatchRelease(t *testing.T) {
	l1, l2 := NewLatch(), NewLatch()
	var released []string

	mtr := NewMtr()
	mtr.Latch(l1, X, "p1", func() { released = append(released, "p1") })
	mtr.Latch(l2, S, "p2", func() { released = append(released, "p2") })
	// 重复获取同一页不会死锁
	mtr.Latch(l1, S, "p1", nil)

	assert.Equal(t, 2, mtr.NumLatches())
	assert.True(t, mtr.Holds("p1", X))
	assert.True(t, mtr.Holds("p2", S))
	assert.False(t, mtr.Holds("p2", X))

	mtr.Commit()
	assert.Equal(t, 0, mtr.NumLatches())
	// S模式释放不触发回调
	assert.Equal(t, []string{"p1"}, released)

	assert.True(t, l1.TryLock())
	l1.Unlock()
}

func TestMtrExclusive(t *testing.T) {
	l := NewLatch()
	mtr := NewMtr()
	mtr.Latch(l, X, "p", nil)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		other := NewMtr()
		other.Latch(l, S, "p", nil)
		close(acquired)
		other.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("S latch granted while X held")
	case <-time.After(20 * time.Millisecond):
	}
	mtr.Release("p")
	wg.Wait()
}

func TestSuspendWhileLatched(t *testing.T) {
	SetDebugChecks(true)
	l := NewLatch()
	mtr := NewMtr()
	mtr.Latch(l, S, "p", nil)

	assert.Panics(t, func() { Suspend(mtr, "lock wait") })

	mtr.Commit()
	assert.NotPanics(t, func() { Suspend(mtr, "lock wait") })
	assert.NotPanics(t, func() { Suspend(nil, "lob fetch") })

	SetDebugChecks(false)
	defer SetDebugChecks(true)
	m2 := NewMtr()
	m2.Latch(l, S, "p", nil)
	assert.NotPanics(t, func() { Suspend(m2, "lock wait") })
	m2.Commit()
}
