package buffer_pool

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"sync"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// DefaultPageSize 默认16KB页
const DefaultPageSize = 16384

type spaceState struct {
	next  basic.PageNo
	free  []basic.PageNo
	used  int
	quota int // 0 表示不限制
}

// BufferPool 常驻内存的页管理器，负责页的分配、释放与闩锁访问
type BufferPool struct {
	mu       sync.Mutex
	pageSize int
	pages    map[basic.PageID]*Page
	spaces   map[basic.SpaceID]*spaceState
	lsn      atomic.Uint64
	stats    counters
}

// NewBufferPool 创建缓冲池
func NewBufferPool(pageSize int) *BufferPool {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &BufferPool{
		pageSize: pageSize,
		pages:    make(map[basic.PageID]*Page),
		spaces:   make(map[basic.SpaceID]*spaceState),
	}
}

func (bp *BufferPool) PageSize() int {
	return bp.pageSize
}

func (bp *BufferPool) space(id basic.SpaceID) *spaceState {
	s, ok := bp.spaces[id]
	if !ok {
		s = &spaceState{}
		bp.spaces[id] = s
	}
	return s
}

// SetQuota 限制表空间可使用的页数，0 表示不限制
func (bp *BufferPool) SetQuota(space basic.SpaceID, pages int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.space(space).quota = pages
}

// UsedPages 表空间已分配页数
func (bp *BufferPool) UsedPages(space basic.SpaceID) int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.space(space).used
}

// Reserve 检查表空间是否还能再分配n个页，悲观操作开始前调用
func (bp *BufferPool) Reserve(space basic.SpaceID, n int) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	s := bp.space(space)
	if s.quota > 0 && s.used+n > s.quota {
		return errors.Wrapf(basic.ErrOutOfSpace, "space %d: %d used, %d requested, quota %d", space, s.used, n, s.quota)
	}
	return nil
}

func (bp *BufferPool) sealer(p *Page) func() {
	return func() {
		if !p.IsFreed() {
			p.seal(bp.lsn.Inc())
		}
	}
}

// Allocate 分配一个新页并以X模式登记在mtr中
func (bp *BufferPool) Allocate(mtr *latch.Mtr, space basic.SpaceID, typ PageType) (*Page, error) {
	bp.mu.Lock()
	s := bp.space(space)
	if s.quota > 0 && s.used >= s.quota {
		bp.mu.Unlock()
		return nil, errors.Wrapf(basic.ErrOutOfSpace, "space %d quota %d exhausted", space, s.quota)
	}
	var no basic.PageNo
	if n := len(s.free); n > 0 {
		no = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		no = s.next
		s.next++
	}
	s.used++
	id := basic.NewPageID(space, no)
	p := newPage(id, bp.pageSize, typ)
	bp.pages[id] = p
	bp.mu.Unlock()

	bp.stats.allocs.Inc()
	mtr.Latch(p.latch, latch.X, id, bp.sealer(p))
	return p, nil
}

// GetPage 按模式获取页闩锁，并在首次获取时校验页完整性
func (bp *BufferPool) GetPage(mtr *latch.Mtr, id basic.PageID, mode latch.Mode) (*Page, error) {
	bp.stats.gets.Inc()
	bp.mu.Lock()
	p, ok := bp.pages[id]
	bp.mu.Unlock()
	if !ok || p.IsFreed() {
		return nil, errors.Wrapf(basic.ErrCorruption, "page %s is not allocated", id)
	}

	held := mtr.Holds(id, latch.S)
	mtr.Latch(p.latch, mode, id, bp.sealer(p))
	if held {
		return p, nil
	}
	if p.IsFreed() {
		mtr.Release(id)
		return nil, errors.Wrapf(basic.ErrCorruption, "page %s was freed", id)
	}
	if !p.verify() {
		mtr.Release(id)
		bp.stats.corrupt.Inc()
		return nil, errors.Wrapf(basic.ErrCorruption, "page %s checksum mismatch", id)
	}
	return p, nil
}

// Free 释放页，调用方必须在mtr中持有该页的X闩锁
func (bp *BufferPool) Free(mtr *latch.Mtr, p *Page) error {
	if !mtr.Holds(p.id, latch.X) {
		return errors.Wrapf(basic.ErrInvalidArgument, "free page %s without X latch", p.id)
	}
	if p.freed.Swap(true) {
		return nil
	}
	p.PutUint16(FilPageType, uint16(PageTypeAllocated))

	bp.mu.Lock()
	s := bp.space(p.id.Space)
	s.used--
	s.free = append(s.free, p.id.Page)
	bp.mu.Unlock()

	bp.stats.frees.Inc()
	return nil
}

// IsFree 页是否处于空闲状态
func (bp *BufferPool) IsFree(id basic.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	p, ok := bp.pages[id]
	return !ok || p.IsFreed()
}

// Lookup 不加闩锁直接取页，仅用于诊断
func (bp *BufferPool) Lookup(id basic.PageID) *Page {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pages[id]
}

func (bp *BufferPool) Stats() Stats {
	st := Stats{
		PageGets:     bp.stats.gets.Load(),
		PageAllocs:   bp.stats.allocs.Load(),
		PageFrees:    bp.stats.frees.Load(),
		CorruptReads: bp.stats.corrupt.Load(),
	}
	bp.mu.Lock()
	for _, s := range bp.spaces {
		st.UsedPages += s.used
		st.FreePages += len(s.free)
	}
	bp.mu.Unlock()
	return st
}
