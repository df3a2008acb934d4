package latch

import "sync"

// Mode 闩锁模式
type Mode uint8

const (
	// S 共享闩锁
	S Mode = iota + 1
	// X 排他闩锁
	X
)

func (m Mode) String() string {
	switch m {
	case S:
		return "S"
	case X:
		return "X"
	}
	return "?"
}

// Latch 保护内存页结构的读写闩锁，不可重入
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个新的闩锁
func NewLatch() *Latch {
	return &Latch{}
}

func (l *Latch) acquire(mode Mode) {
	if mode == X {
		l.mu.Lock()
		return
	}
	l.mu.RLock()
}

func (l *Latch) release(mode Mode) {
	if mode == X {
		l.mu.Unlock()
		return
	}
	l.mu.RUnlock()
}

// TryLock 尝试获取写锁
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}

// Unlock 释放TryLock获得的写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}
