package latch

import (
	"fmt"

	"go.uber.org/atomic"
)

var debugChecks = atomic.NewBool(true)

// SetDebugChecks 打开后，持有闩锁时进入挂起操作会立即panic
func SetDebugChecks(on bool) {
	debugChecks.Store(on)
}

type memo struct {
	key       interface{}
	latch     *Latch
	mode      Mode
	onRelease func()
}

// Mtr 迷你事务，记录本次操作持有的所有闩锁，Commit时逆序释放。
// 一个Mtr只能在一个goroutine内使用。
type Mtr struct {
	memos     []memo
	committed bool
}

// NewMtr 开始一个迷你事务
func NewMtr() *Mtr {
	return &Mtr{memos: make([]memo, 0, 4)}
}

// Latch 以指定模式获取闩锁并登记。同一key已被本Mtr以足够强的模式持有时直接返回。
// onRelease 在释放前调用，X模式下用于重新计算页校验和。
func (m *Mtr) Latch(l *Latch, mode Mode, key interface{}, onRelease func()) {
	if m.committed {
		panic("latch: mtr already committed")
	}
	for _, h := range m.memos {
		if h.key != key {
			continue
		}
		if h.mode == X || mode == S {
			return
		}
		panic(fmt.Sprintf("latch: upgrade of %v from S to X inside one mtr", key))
	}
	l.acquire(mode)
	m.memos = append(m.memos, memo{key: key, latch: l, mode: mode, onRelease: onRelease})
}

// Holds 本Mtr是否以不弱于mode的模式持有key
func (m *Mtr) Holds(key interface{}, mode Mode) bool {
	for _, h := range m.memos {
		if h.key == key {
			return h.mode == X || mode == S
		}
	}
	return false
}

// Release 提前释放某一个闩锁
func (m *Mtr) Release(key interface{}) {
	for i := len(m.memos) - 1; i >= 0; i-- {
		h := m.memos[i]
		if h.key != key {
			continue
		}
		m.releaseOne(h)
		m.memos = append(m.memos[:i], m.memos[i+1:]...)
		return
	}
}

func (m *Mtr) releaseOne(h memo) {
	if h.mode == X && h.onRelease != nil {
		h.onRelease()
	}
	h.latch.release(h.mode)
}

// NumLatches 当前持有的闩锁数量
func (m *Mtr) NumLatches() int {
	return len(m.memos)
}

// Commit 逆序释放全部闩锁，可重复调用
func (m *Mtr) Commit() {
	for i := len(m.memos) - 1; i >= 0; i-- {
		m.releaseOne(m.memos[i])
	}
	m.memos = m.memos[:0]
	m.committed = true
}

// Committed 是否已经提交
func (m *Mtr) Committed() bool {
	return m.committed
}

// Suspend 在锁等待、LOB链IO等可能挂起的操作前调用。
// 调试模式下若仍持有闩锁则直接panic，便于尽早暴露闩锁泄漏。
func Suspend(m *Mtr, op string) {
	if m == nil || m.committed || len(m.memos) == 0 {
		return
	}
	if debugChecks.Load() {
		panic(fmt.Sprintf("latch: %s while holding %d latches", op, len(m.memos)))
	}
}
