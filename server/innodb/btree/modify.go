package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// DeleteResult 按键删除的结果
type DeleteResult uint8

const (
	Deleted DeleteResult = iota
	NotFound
	// Skipped 检查函数拒绝删除
	Skipped
	// NeedsTree 叶子级删除会留下空叶子，需要改树
	NeedsTree
)

func (r DeleteResult) String() string {
	switch r {
	case Deleted:
		return "DELETED"
	case NotFound:
		return "NOT_FOUND"
	case Skipped:
		return "SKIPPED"
	}
	return "NEEDS_TREE"
}

// DeleteCheck 在记录被X闩住时调用，返回是否真的删除。
// 可以在其中完成依附于记录的清理，例如释放LOB；同一条记录上可能被调用多次。
type DeleteCheck func(mtr *latch.Mtr, c *Cursor) (bool, error)

// Insert 插入记录，键重复时返回ErrDuplicateKey。叶子满时分裂。
func (i *Index) Insert(ctx context.Context, rec *record.Record) error {
	if !rec.IsUser() || len(rec.Fields) < i.nUnique {
		return errors.Wrapf(basic.ErrInvalidArgument, "index %s: bad record %s", i.name, rec)
	}
	key := i.KeyOf(rec)

	mtr := latch.NewMtr()
	c, err := i.search(mtr, key, modeExact, latch.X, false)
	if err != nil {
		mtr.Commit()
		return err
	}
	if c.isDuplicate(key) {
		mtr.Commit()
		return errors.Wrapf(basic.ErrDuplicateKey, "index %s key %s", i.name, key)
	}
	if len(c.lf.recs) < i.maxRecs {
		c.insertHere(rec)
		mtr.Commit()
		return nil
	}
	mtr.Commit()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(basic.ErrInterrupted, err.Error())
	}
	return i.insertPessimistic(rec)
}

func (c *Cursor) isDuplicate(key record.Tuple) bool {
	return c.IsUser() && record.Compare(c.index.KeyOf(c.Record()), key) == 0
}

func (i *Index) insertPessimistic(rec *record.Record) error {
	if err := i.bp.Reserve(i.space, 1); err != nil {
		return err
	}
	key := i.KeyOf(rec)
	mtr := latch.NewMtr()
	defer mtr.Commit()
	i.latchTree(mtr, latch.X)

	c, err := i.search(mtr, key, modeExact, latch.X, true)
	if err != nil {
		return err
	}
	if c.isDuplicate(key) {
		return errors.Wrapf(basic.ErrDuplicateKey, "index %s key %s", i.name, key)
	}
	if len(c.lf.recs) >= i.maxRecs {
		if err := i.split(mtr, c.lf); err != nil {
			return err
		}
		if c, err = i.search(mtr, key, modeExact, latch.X, true); err != nil {
			return err
		}
	}
	c.insertHere(rec)
	return nil
}

// split 把叶子后一半移到新叶子，调用方持有树X闩锁和叶子X闩锁
func (i *Index) split(mtr *latch.Mtr, lf *leaf) error {
	p, err := i.bp.Allocate(mtr, i.space, buffer_pool.PageTypeIndex)
	if err != nil {
		return err
	}
	mid := len(lf.recs) / 2
	nl := &leaf{
		page:     p,
		low:      i.KeyOf(lf.recs[mid]).Clone(),
		recs:     append([]*record.Record(nil), lf.recs[mid:]...),
		prev:     lf,
		next:     lf.next,
		maxTrxID: lf.maxTrxID,
	}
	lf.recs = append([]*record.Record(nil), lf.recs[:mid]...)
	if lf.next != nil {
		lf.next.prev = nl
	}
	lf.next = nl
	lf.modifyClock++
	lf.syncHeader()
	nl.syncHeader()
	i.dir.ReplaceOrInsert(&dirItem{low: nl.low, lf: nl})
	i.log.WithField("page", lf.page.ID().String()).WithField("new_page", p.ID().String()).Debug("leaf split")
	return nil
}

// DeleteOptimistic 只在叶子内删除。删除后叶子会变空（且不是第一个叶子）时返回NeedsTree。
func (i *Index) DeleteOptimistic(ctx context.Context, key record.Tuple, check DeleteCheck) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(basic.ErrInterrupted, err.Error())
	}
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, err := i.search(mtr, key, modeExact, latch.X, false)
	if err != nil {
		return 0, err
	}
	if !c.isDuplicate(key) {
		return NotFound, nil
	}
	if len(c.lf.recs) == 1 && c.lf != i.first {
		return NeedsTree, nil
	}
	return c.checkAndDelete(check)
}

func (c *Cursor) checkAndDelete(check DeleteCheck) (DeleteResult, error) {
	if check != nil {
		ok, err := check(c.mtr, c)
		if err != nil {
			return 0, err
		}
		if !ok {
			return Skipped, nil
		}
	}
	c.deleteHere()
	return Deleted, nil
}

// DeletePessimistic 需要改树的删除：叶子变空时摘除并释放该页。
// 开始前预留空间，不足时返回ErrOutOfSpace，调用方可以重试。
func (i *Index) DeletePessimistic(ctx context.Context, key record.Tuple, check DeleteCheck) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(basic.ErrInterrupted, err.Error())
	}
	if err := i.bp.Reserve(i.space, 1); err != nil {
		return 0, err
	}
	mtr := latch.NewMtr()
	defer mtr.Commit()
	i.latchTree(mtr, latch.X)

	lf := i.findLeaf(key, searchBias(modeExact))
	// 从左到右加闩
	prev := lf.prev
	if prev != nil {
		if err := i.latchLeaf(mtr, prev, latch.X); err != nil {
			return 0, err
		}
	}
	if err := i.latchLeaf(mtr, lf, latch.X); err != nil {
		return 0, err
	}
	c := &Cursor{index: i, mtr: mtr, mode: latch.X, lf: lf, pos: lf.position(key, modeExact)}
	if !c.isDuplicate(key) {
		return NotFound, nil
	}
	res, err := c.checkAndDelete(check)
	if err != nil || res != Deleted {
		return res, err
	}
	if len(lf.recs) == 0 && prev != nil {
		if err := i.removeLeaf(mtr, lf, prev); err != nil {
			return res, err
		}
	}
	return res, nil
}

// removeLeaf 摘除空叶子，调用方持有树X闩锁以及prev、lf的X闩锁
func (i *Index) removeLeaf(mtr *latch.Mtr, lf, prev *leaf) error {
	prev.next = lf.next
	if lf.next != nil {
		lf.next.prev = prev
	}
	prev.syncHeader()
	i.dir.Delete(&dirItem{low: lf.low})
	lf.removed = true
	lf.modifyClock++
	i.log.WithField("page", lf.page.ID().String()).Debug("empty leaf removed")
	return i.bp.Free(mtr, lf.page)
}
