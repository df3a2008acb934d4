package row

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

// rollbackPolicy 回滚中的改树删除在空间不足时的重试
var rollbackPolicy = util.RetryPolicy{MaxAttempts: 5}

// Rollback 按写入的逆序应用事务的undo，然后释放undo和锁。
// 回滚不响应取消，LOB释放时跳过继承来的引用。
func (e *Env) Rollback(trx *mvcc.Trx) error {
	ctx := context.Background()
	entries := trx.UndoEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		u, err := e.Undo.Read(entries[i].Ptr)
		if err != nil {
			return err
		}
		t, err := e.Dict.Table(u.TableID)
		if basic.IsTableMissing(err) {
			continue
		}
		if err != nil {
			return err
		}
		switch u.Type {
		case undo.TypeInsert:
			err = e.undoInsert(ctx, trx, t, u)
		case undo.TypeDelMark:
			err = e.undoDelMark(trx, t, u)
		default:
			err = e.undoUpdate(ctx, trx, t, u)
		}
		if err != nil {
			return errors.Wrapf(err, "rollback %s", u)
		}
	}
	err := e.TrxSys.MarkRolledBack(trx)
	e.Locks.ReleaseAll(trx.ID)
	e.log.WithField("trx", trx.ID).Debugf("rolled back %d undo records", len(entries))
	return err
}

func (e *Env) undoInsert(ctx context.Context, trx *mvcc.Trx, t *dict.Table, u *undo.Record) error {
	key := record.Tuple(u.Key)
	mtr := latch.NewMtr()
	c, found, err := openClustered(mtr, t, key, latch.S)
	if err != nil {
		mtr.Commit()
		return err
	}
	if !found || c.Record().TrxID != trx.ID {
		mtr.Commit()
		return nil
	}
	cur := c.Record()
	mtr.Commit()

	for _, ix := range t.Secondary {
		res := RemoveEntry(ctx, ix, ix.Key(ix.BuildSecondaryEntry(cur)), nil, rollbackPolicy)
		if !res.OK() {
			return res.Err
		}
	}
	res := RemoveEntry(ctx, t.Clustered, key, func(mtr *latch.Mtr, c *btree.Cursor) (bool, error) {
		_, err := e.freeRecordLOBs(ctx, mtr, c, true)
		return err == nil, err
	}, rollbackPolicy)
	if !res.OK() {
		return res.Err
	}
	return nil
}

func (e *Env) undoDelMark(trx *mvcc.Trx, t *dict.Table, u *undo.Record) error {
	mtr := latch.NewMtr()
	c, found, err := openClustered(mtr, t, record.Tuple(u.Key), latch.X)
	if err != nil {
		mtr.Commit()
		return err
	}
	if !found || c.Record().RollPtr != u.Ptr {
		mtr.Commit()
		return errors.Wrapf(basic.ErrCorruption, "table %s key %s: record changed under rollback", t, record.Tuple(u.Key))
	}
	// 主键更新时放弃的LOB所有权在这里收回
	rec, err := setOwnership(c.Record(), true)
	if err != nil {
		mtr.Commit()
		return err
	}
	rec.DeleteMarked = u.OldDeleteMarked
	rec.TrxID = u.OldTrxID
	rec.RollPtr = u.OldRollPtr
	err = c.Replace(rec)
	mtr.Commit()
	if err != nil {
		return err
	}
	for _, ix := range t.Secondary {
		if _, err := e.markSecondary(trx, ix, ix.Key(ix.BuildSecondaryEntry(rec)), false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) undoUpdate(ctx context.Context, trx *mvcc.Trx, t *dict.Table, u *undo.Record) error {
	key := record.Tuple(u.Key)
	mtr := latch.NewMtr()
	c, found, err := openClustered(mtr, t, key, latch.S)
	if err != nil {
		mtr.Commit()
		return err
	}
	if !found || c.Record().RollPtr != u.Ptr {
		mtr.Commit()
		return errors.Wrapf(basic.ErrCorruption, "table %s key %s: record changed under rollback", t, key)
	}
	cur := c.Record()
	mtr.Commit()

	// 先还原原地修改过的LOB字节，再还原记录
	for _, fu := range u.Updates {
		if fu.LOBDelta == nil {
			continue
		}
		ref, err := lob.Decode(cur.Fields[fu.FieldNo].Data)
		if err != nil {
			return err
		}
		for i := len(fu.LOBDelta) - 1; i >= 0; i-- {
			p := fu.LOBDelta[i]
			if _, err := e.Writer.PartialUpdate(ctx, ref, p.Offset, p.Data); err != nil {
				return err
			}
		}
	}

	mtr = latch.NewMtr()
	c, found, err = openClustered(mtr, t, key, latch.X)
	if err != nil {
		mtr.Commit()
		return err
	}
	if !found {
		mtr.Commit()
		return errors.Wrapf(basic.ErrCorruption, "table %s key %s vanished under rollback", t, key)
	}
	for _, fu := range u.Updates {
		if fu.LOBDelta != nil || !cur.Fields[fu.FieldNo].Extern {
			continue
		}
		if cur.Fields[fu.FieldNo].Equal(fu.Old) {
			continue
		}
		if _, err := lob.Free(ctx, e.BP, mtr, &lob.DeleteContext{Field: c.RefField(fu.FieldNo), Rollback: true}); err != nil {
			mtr.Commit()
			return err
		}
	}
	prev := c.Record().Clone()
	for _, fu := range u.Updates {
		if fu.LOBDelta == nil {
			prev.Fields[fu.FieldNo] = fu.Old.Clone()
		}
	}
	prev.DeleteMarked = u.OldDeleteMarked
	prev.TrxID = u.OldTrxID
	prev.RollPtr = u.OldRollPtr
	err = c.Replace(prev)
	mtr.Commit()
	if err != nil {
		return err
	}

	for _, ix := range t.Secondary {
		ne := ix.BuildSecondaryEntry(cur)
		oe := ix.BuildSecondaryEntry(prev)
		if record.Compare(ix.Key(ne), ix.Key(oe)) == 0 {
			if cur.DeleteMarked != prev.DeleteMarked {
				if _, err := e.markSecondary(trx, ix, ix.Key(oe), prev.DeleteMarked); err != nil {
					return err
				}
			}
			continue
		}
		if !cur.DeleteMarked {
			res := RemoveEntry(ctx, ix, ix.Key(ne), nil, rollbackPolicy)
			if !res.OK() {
				return res.Err
			}
		}
		if _, err := e.markSecondary(trx, ix, ix.Key(oe), prev.DeleteMarked); err != nil {
			return err
		}
	}
	return nil
}
