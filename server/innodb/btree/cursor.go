package btree

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// Cursor 叶子上的位置。pos为-1表示infimum，等于记录数表示supremum。
// 游标只在创建它的mtr提交前有效。
type Cursor struct {
	index   *Index
	mtr     *latch.Mtr
	mode    latch.Mode
	lf      *leaf
	pos     int
	corrupt *leaf
}

func (c *Cursor) Index() *Index {
	return c.index
}

func (c *Cursor) Mtr() *latch.Mtr {
	return c.mtr
}

// Valid 游标是否停在某个叶子上
func (c *Cursor) Valid() bool {
	return c.lf != nil
}

// Record 当前记录，页首页尾返回哨兵
func (c *Cursor) Record() *record.Record {
	switch {
	case c.pos < 0:
		return record.Infimum()
	case c.pos >= len(c.lf.recs):
		return record.Supremum()
	}
	return c.lf.recs[c.pos]
}

func (c *Cursor) IsUser() bool {
	return c.pos >= 0 && c.pos < len(c.lf.recs)
}

func (c *Cursor) IsInfimum() bool {
	return c.pos < 0
}

func (c *Cursor) IsSupremum() bool {
	return c.pos >= len(c.lf.recs)
}

// IsFirstLeaf 当前叶子是否为索引的第一个叶子
func (c *Cursor) IsFirstLeaf() bool {
	return c.lf == c.index.first
}

// IsLastLeaf 当前叶子没有后继
func (c *Cursor) IsLastLeaf() bool {
	return c.lf.next == nil
}

func (c *Cursor) PageID() basic.PageID {
	return c.lf.page.ID()
}

// MaxTrxID 当前叶子上修改过记录的最大事务ID
func (c *Cursor) MaxTrxID() basic.TrxID {
	return c.lf.maxTrxID
}

// CorruptPage 最近一次因损坏无法进入的叶子页
func (c *Cursor) CorruptPage() (basic.PageID, bool) {
	if c.corrupt == nil {
		return basic.PageID{}, false
	}
	return c.corrupt.page.ID(), true
}

// MoveNext 前进一条。supremum之后进入下一个叶子的infimum，
// 先闩住下一页再释放当前页。已在最后一个叶子的supremum时返回false。
func (c *Cursor) MoveNext() (bool, error) {
	if c.pos < len(c.lf.recs) {
		c.pos++
		return true, nil
	}
	next := c.lf.next
	if next == nil {
		return false, nil
	}
	if err := c.index.latchLeaf(c.mtr, next, c.mode); err != nil {
		c.corrupt = next
		return false, err
	}
	c.mtr.Release(c.lf.page.ID())
	c.lf, c.pos = next, -1
	return true, nil
}

// MovePrev 后退一条。infimum之前先释放当前页，再按当前叶子的最小键重新定位到前一个叶子的supremum。
func (c *Cursor) MovePrev() (bool, error) {
	if c.pos >= 0 {
		c.pos--
		return true, nil
	}
	if c.lf == c.index.first {
		return false, nil
	}
	low := c.lf.low
	c.mtr.Release(c.lf.page.ID())
	c.lf = nil

	i := c.index
	i.latchTree(c.mtr, latch.S)
	prev := i.findLeaf(low, -1)
	err := i.latchLeaf(c.mtr, prev, c.mode)
	c.mtr.Release(i.treeKey)
	if err != nil {
		c.corrupt = prev
		return false, err
	}
	c.lf, c.pos = prev, len(prev.recs)
	return true, nil
}

// SkipCorrupt 越过最近一次遇到的损坏叶子，forward时停在其后第一个完好叶子的infimum，
// 否则停在其前第一个完好叶子的supremum。没有可用叶子时返回false。
func (c *Cursor) SkipCorrupt(forward bool) (bool, error) {
	bad := c.corrupt
	if bad == nil {
		return false, errors.Wrap(basic.ErrInvalidArgument, "no corrupt leaf to skip")
	}
	c.corrupt = nil
	if c.lf != nil {
		c.mtr.Release(c.lf.page.ID())
		c.lf = nil
	}
	i := c.index
	heldTree := c.mtr.Holds(i.treeKey, latch.S)
	i.latchTree(c.mtr, latch.S)
	if !heldTree {
		defer c.mtr.Release(i.treeKey)
	}
	for {
		var cand *leaf
		if forward {
			cand = i.leafAfter(bad)
		} else {
			cand = i.leafBefore(bad)
		}
		if cand == nil {
			return false, nil
		}
		i.log.WithField("page", bad.page.ID().String()).Warn("skipping corrupt leaf")
		if err := i.latchLeaf(c.mtr, cand, c.mode); err != nil {
			if !basic.IsCorruption(err) {
				return false, err
			}
			bad = cand
			continue
		}
		c.lf = cand
		if forward {
			c.pos = -1
		} else {
			c.pos = len(cand.recs)
		}
		return true, nil
	}
}

// Replace 用新版本替换当前记录，键不变。调用方持有X闩锁。
func (c *Cursor) Replace(rec *record.Record) error {
	if !c.IsUser() {
		return errors.Wrap(basic.ErrInvalidArgument, "replace on a sentinel record")
	}
	if !c.mtr.Holds(c.PageID(), latch.X) {
		return errors.Wrapf(basic.ErrInvalidArgument, "replace on %s without X latch", c.PageID())
	}
	n := c.index.nUnique
	if record.Compare(c.lf.recs[c.pos].Key(n), rec.Key(n)) != 0 {
		return errors.Wrap(basic.ErrInvalidArgument, "replace must keep the unique key")
	}
	c.lf.recs[c.pos] = rec
	if rec.TrxID > c.lf.maxTrxID {
		c.lf.maxTrxID = rec.TrxID
	}
	c.lf.syncHeader()
	return nil
}

// insertHere 在当前位置之前插入
func (c *Cursor) insertHere(rec *record.Record) {
	lf := c.lf
	pos := c.pos
	if pos < 0 {
		pos = 0
	}
	lf.recs = append(lf.recs, nil)
	copy(lf.recs[pos+1:], lf.recs[pos:])
	lf.recs[pos] = rec
	lf.modifyClock++
	if rec.TrxID > lf.maxTrxID {
		lf.maxTrxID = rec.TrxID
	}
	lf.syncHeader()
	c.pos = pos
}

func (c *Cursor) deleteHere() {
	lf := c.lf
	copy(lf.recs[c.pos:], lf.recs[c.pos+1:])
	lf.recs[len(lf.recs)-1] = nil
	lf.recs = lf.recs[:len(lf.recs)-1]
	lf.modifyClock++
	lf.syncHeader()
}

// RefField 当前记录第fieldNo列上的LOB引用，修改时整体替换记录
func (c *Cursor) RefField(fieldNo int) lob.RefField {
	return &leafRefField{c: c, lf: c.lf, pos: c.pos, fieldNo: fieldNo}
}

type leafRefField struct {
	c       *Cursor
	lf      *leaf
	pos     int
	fieldNo int
}

func (f *leafRefField) field() (record.Field, error) {
	if f.pos < 0 || f.pos >= len(f.lf.recs) {
		return record.Field{}, errors.Wrap(basic.ErrInvalidArgument, "lob ref on a sentinel record")
	}
	rec := f.lf.recs[f.pos]
	if f.fieldNo >= len(rec.Fields) || !rec.Fields[f.fieldNo].Extern {
		return record.Field{}, errors.Wrapf(basic.ErrInvalidArgument, "field %d is not stored externally", f.fieldNo)
	}
	return rec.Fields[f.fieldNo], nil
}

func (f *leafRefField) Ref() (lob.Ref, error) {
	fd, err := f.field()
	if err != nil {
		return lob.Ref{}, err
	}
	return lob.Decode(fd.Data)
}

func (f *leafRefField) SetRef(mtr *latch.Mtr, r lob.Ref) error {
	if _, err := f.field(); err != nil {
		return err
	}
	if !mtr.Holds(f.lf.page.ID(), latch.X) {
		return errors.Wrapf(basic.ErrInvalidArgument, "modify lob ref on %s without X latch", f.lf.page.ID())
	}
	nr := f.lf.recs[f.pos].Clone()
	nr.Fields[f.fieldNo].Data = r.Encode()
	f.lf.recs[f.pos] = nr
	return nil
}
