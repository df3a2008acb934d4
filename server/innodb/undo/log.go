package undo

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

/*
UNDO页布局：
- File Header (38字节)
- Free Offset: 页内第一个空闲字节 (2字节)
- 记录区：每条记录为 长度(2字节) + 记录内容，回滚指针的偏移指向记录内容的开头
- File Trailer (8字节)
*/
const (
	undoPageFree  = buffer_pool.FilHeaderSize
	undoPageStart = buffer_pool.FilHeaderSize + 2
	recLenSize    = 2
)

// 回滚段个数，回滚指针中用7位表示
const numRollbackSegments = 128

// Segment 一个事务的insert或update undo日志，由若干undo页组成。
// 同一时刻只有拥有它的事务追加记录。
type Segment struct {
	id     uint64
	rseg   uint8
	trxID  basic.TrxID
	insert bool
	pages  []basic.PageNo
	freed  bool
}

func (s *Segment) ID() uint64 {
	return s.id
}

func (s *Segment) TrxID() basic.TrxID {
	return s.trxID
}

func (s *Segment) IsInsert() bool {
	return s.insert
}

// NumPages 已占用的undo页数
func (s *Segment) NumPages() int {
	return len(s.pages)
}

// Log undo日志，所有段都在同一个表空间中
type Log struct {
	bp      *buffer_pool.BufferPool
	space   basic.SpaceID
	mu      sync.Mutex
	nextSeg uint64
	log     *logrus.Entry
}

// NewLog 创建undo日志
func NewLog(bp *buffer_pool.BufferPool, space basic.SpaceID) *Log {
	return &Log{bp: bp, space: space, log: logger.WithComponent("undo")}
}

func (l *Log) Space() basic.SpaceID {
	return l.space
}

// NewSegment 为事务创建新的段，页在第一次追加时分配
func (l *Log) NewSegment(trxID basic.TrxID, insert bool) *Segment {
	l.mu.Lock()
	l.nextSeg++
	id := l.nextSeg
	l.mu.Unlock()
	return &Segment{id: id, rseg: uint8(uint64(trxID) % numRollbackSegments), trxID: trxID, insert: insert}
}

// Append 在段尾追加一条记录，返回它的回滚指针并写回rec.Ptr
func (l *Log) Append(seg *Segment, rec *Record) (basic.RollPtr, error) {
	if seg.freed {
		return 0, errors.Wrapf(basic.ErrInvalidArgument, "append to freed undo segment %d", seg.id)
	}
	data := rec.Encode()
	pageEnd := l.bp.PageSize() - buffer_pool.FilTrailerSize
	need := recLenSize + len(data)
	if undoPageStart+need > pageEnd || pageEnd > 1<<16 {
		return 0, errors.Wrapf(basic.ErrInvalidArgument, "undo record of %d bytes does not fit a page", len(data))
	}

	mtr := latch.NewMtr()
	defer mtr.Commit()
	var page *buffer_pool.Page
	if n := len(seg.pages); n > 0 {
		p, err := l.bp.GetPage(mtr, basic.NewPageID(l.space, seg.pages[n-1]), latch.X)
		if err != nil {
			return 0, err
		}
		if int(p.Uint16(undoPageFree))+need <= pageEnd {
			page = p
		}
	}
	if page == nil {
		p, err := l.bp.Allocate(mtr, l.space, buffer_pool.PageTypeUndoLog)
		if err != nil {
			return 0, err
		}
		p.PutUint16(undoPageFree, undoPageStart)
		seg.pages = append(seg.pages, p.PageNo())
		page = p
	}

	free := int(page.Uint16(undoPageFree))
	off := free + recLenSize
	page.PutUint16(free, uint16(len(data)))
	copy(page.Data()[off:], data)
	page.PutUint16(undoPageFree, uint16(off+len(data)))

	ptr := basic.NewRollPtr(seg.insert, seg.rseg, page.PageNo(), uint16(off))
	rec.Ptr = ptr
	return ptr, nil
}

// LatchRecord 以mode闩住记录所在的undo页并解析记录，页在mtr提交前保持闩住
func (l *Log) LatchRecord(mtr *latch.Mtr, ptr basic.RollPtr, mode latch.Mode) (*buffer_pool.Page, *Record, error) {
	if ptr.IsNull() {
		return nil, nil, errors.Wrap(basic.ErrInvalidArgument, "read undo at null roll pointer")
	}
	p, err := l.bp.GetPage(mtr, basic.NewPageID(l.space, ptr.Page()), mode)
	if err != nil {
		return nil, nil, err
	}
	if p.Type() != buffer_pool.PageTypeUndoLog {
		return nil, nil, errors.Wrapf(basic.ErrCorruption, "roll pointer %s points at a %s page", ptr, p.Type())
	}
	free := int(p.Uint16(undoPageFree))
	off := int(ptr.Offset())
	if off < undoPageStart+recLenSize || off > free {
		return nil, nil, errors.Wrapf(basic.ErrCorruption, "roll pointer %s outside undo records (free %d)", ptr, free)
	}
	n := int(p.Uint16(off - recLenSize))
	if off+n > free {
		return nil, nil, errors.Wrapf(basic.ErrCorruption, "undo record at %s overruns page", ptr)
	}
	rec, err := Decode(p.Data()[off:off+n], off)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "at %s", ptr)
	}
	rec.Ptr = ptr
	return p, rec, nil
}

// Read 读取一条undo记录
func (l *Log) Read(ptr basic.RollPtr) (*Record, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	_, rec, err := l.LatchRecord(mtr, ptr, latch.S)
	return rec, err
}

// FreeSegment 释放段的全部页，之后段内的回滚指针失效
func (l *Log) FreeSegment(seg *Segment) error {
	if seg.freed {
		return nil
	}
	for _, no := range seg.pages {
		mtr := latch.NewMtr()
		p, err := l.bp.GetPage(mtr, basic.NewPageID(l.space, no), latch.X)
		if err == nil {
			err = l.bp.Free(mtr, p)
		}
		mtr.Commit()
		if err != nil {
			return errors.Wrapf(err, "free undo segment %d", seg.id)
		}
	}
	l.log.WithField("segment", seg.id).WithField("trx", seg.trxID).Debugf("freed %d undo pages", len(seg.pages))
	seg.pages = nil
	seg.freed = true
	return nil
}

// Chain 从start开始按需读取更早的undo记录
func (l *Log) Chain(start basic.RollPtr) *Chain {
	return &Chain{log: l, next: start}
}

// Chain 行版本链：记录 -> undo记录 -> 更早的undo记录，在insert undo处结束
type Chain struct {
	log  *Log
	next basic.RollPtr
}

// Next 读取链上的下一条undo记录，链结束时返回false
func (c *Chain) Next() (*Record, bool, error) {
	if c.next.IsNull() || c.next.IsInsert() {
		return nil, false, nil
	}
	rec, err := c.log.Read(c.next)
	if err != nil {
		return nil, false, err
	}
	c.next = rec.OldRollPtr
	return rec, true, nil
}
