package btree

import (
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// RelPos 保存位置时游标与保存的键的关系
type RelPos uint8

const (
	RelOn RelPos = iota
	// RelBefore 游标在页首infimum，键是页内第一条记录
	RelBefore
	// RelAfter 游标在页尾supremum，键是页内最后一条记录
	RelAfter
)

// PCursor 持久游标：释放闩锁后仍能恢复到同一逻辑位置。
// 保存的是唯一键与叶子身份，而不是记录指针。
type PCursor struct {
	index *Index
	lf    *leaf
	clock uint64
	pos   int
	rel   RelPos
	key   record.Tuple
}

// Store 保存当前位置，调用方仍持有叶子闩锁
func (c *Cursor) Store() *PCursor {
	pc := &PCursor{index: c.index, lf: c.lf, clock: c.lf.modifyClock, pos: c.pos}
	n := len(c.lf.recs)
	switch {
	case c.IsUser():
		pc.rel = RelOn
		pc.key = c.index.KeyOf(c.lf.recs[c.pos]).Clone()
	case n == 0 && c.pos < 0:
		pc.rel = RelBefore
	case n == 0:
		pc.rel = RelAfter
	case c.pos < 0:
		pc.rel = RelBefore
		pc.key = c.index.KeyOf(c.lf.recs[0]).Clone()
	default:
		pc.rel = RelAfter
		pc.key = c.index.KeyOf(c.lf.recs[n-1]).Clone()
	}
	return pc
}

func (pc *PCursor) RelPos() RelPos {
	return pc.rel
}

// Key 保存的唯一键，页为空时为nil
func (pc *PCursor) Key() record.Tuple {
	return pc.key
}

func (pc *PCursor) PageID() basic.PageID {
	return pc.lf.page.ID()
}

// Restore 恢复位置。叶子未被修改时直接回到原位置；否则按键重新搜索：
// RelOn与RelAfter停在最后一条<=键的记录上，RelBefore停在最后一条<键的记录上。
// 只有RelOn且找到了同一条记录时sameRecord为true。
func (pc *PCursor) Restore(mtr *latch.Mtr, lm latch.Mode) (c *Cursor, sameRecord bool, err error) {
	i := pc.index
	if err := i.latchLeaf(mtr, pc.lf, lm); err == nil {
		if pc.lf.modifyClock == pc.clock {
			c = &Cursor{index: i, mtr: mtr, mode: lm, lf: pc.lf, pos: pc.pos}
			return c, pc.rel == RelOn, nil
		}
		mtr.Release(pc.lf.page.ID())
	}

	if pc.key == nil {
		if pc.rel == RelBefore {
			c, err = i.OpenFirst(mtr, lm)
		} else {
			c, err = i.OpenLast(mtr, lm)
		}
		return c, false, err
	}
	mode := ModeLE
	if pc.rel == RelBefore {
		mode = ModeL
	}
	c, err = i.Search(mtr, pc.key, mode, lm)
	if err != nil {
		return c, false, err
	}
	sameRecord = pc.rel == RelOn && c.IsUser() && record.Compare(i.KeyOf(c.Record()), pc.key) == 0
	return c, sameRecord, nil
}
