package row

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// Insert 插入一行，row按表列顺序排列。LOB列超过阈值时先写入页链，
// 记录中只保存引用。主键上已有删除标记的旧记录时原地复用它。
func (e *Env) Insert(ctx context.Context, trx *mvcc.Trx, t *dict.Table, row []record.Field) error {
	if len(row) != t.NCols() {
		return errors.Wrapf(basic.ErrInvalidArgument, "table %s has %d columns, got %d", t, t.NCols(), len(row))
	}
	stored, fresh, err := e.storeExterns(ctx, t, row)
	if err != nil {
		return err
	}
	if err := e.insertRow(ctx, trx, t, stored); err != nil {
		e.discardLOBs(stored, fresh)
		return err
	}
	return nil
}

// storeExterns 把超过阈值的LOB列写入页链，fresh标记本次新写入的列
func (e *Env) storeExterns(ctx context.Context, t *dict.Table, row []record.Field) ([]record.Field, []bool, error) {
	out := make([]record.Field, len(row))
	fresh := make([]bool, len(row))
	for i, f := range row {
		out[i] = f
		if f.Null || f.Extern || !t.IsExternCandidate(i, f.Data) {
			continue
		}
		ref, err := e.Writer.Write(ctx, t.Space, f.Data)
		if err != nil {
			e.discardLOBs(out, fresh)
			return nil, nil, err
		}
		out[i] = record.ExternField(ref.Encode())
		fresh[i] = true
	}
	return out, fresh, nil
}

// insertRow 插入外部列已经就绪的行
func (e *Env) insertRow(ctx context.Context, trx *mvcc.Trx, t *dict.Table, row []record.Field) error {
	pk := t.PKOfRow(row)
	if err := e.lockForInsert(ctx, trx, t, pk); err != nil {
		return err
	}

	mtr := latch.NewMtr()
	c, found, err := openClustered(mtr, t, pk, latch.X)
	if err != nil {
		mtr.Commit()
		return err
	}
	switch {
	case found && !c.Record().DeleteMarked:
		mtr.Commit()
		return errors.Wrapf(basic.ErrDuplicateKey, "table %s key %s", t, pk)
	case found:
		err = e.updateDeleted(trx, t, c, row)
		mtr.Commit()
		if err != nil {
			return err
		}
	default:
		mtr.Commit()
		// 持有主键上的X锁，期间不会有别的事务插入同一主键
		ptr, err := e.appendUndo(trx, &undo.Record{Type: undo.TypeInsert, TableID: t.ID, Key: pk})
		if err != nil {
			return err
		}
		rec := t.Clustered.BuildEntry(row)
		rec.TrxID = trx.ID
		rec.RollPtr = ptr
		if err := t.Clustered.Tree.Insert(ctx, rec); err != nil {
			return err
		}
	}

	for _, ix := range t.Secondary {
		if err := e.insertSecondary(ctx, trx, ix, ix.BuildEntry(row)); err != nil {
			return err
		}
	}
	return nil
}

// lockForInsert 在后继记录上加插入意向锁，再对新主键加X记录锁
func (e *Env) lockForInsert(ctx context.Context, trx *mvcc.Trx, t *dict.Table, pk record.Tuple) error {
	mtr := latch.NewMtr()
	c, err := t.Clustered.Tree.Search(mtr, pk, btree.ModeG, latch.S)
	if err != nil {
		mtr.Commit()
		return err
	}
	for c.IsSupremum() && !c.IsLastLeaf() {
		if _, err := c.MoveNext(); err != nil {
			mtr.Commit()
			return err
		}
		if c.IsInfimum() {
			if _, err := c.MoveNext(); err != nil {
				mtr.Commit()
				return err
			}
		}
	}
	next := supremumID(t.Clustered)
	if c.IsUser() {
		next = recordID(t.Clustered, t.Clustered.Key(c.Record()))
	}
	mtr.Commit()

	if err := e.lockAndWait(ctx, nil, trx, next, lock.ModeX, lock.InsertIntention); err != nil {
		return err
	}
	return e.lockClusteredX(ctx, trx, t, pk)
}

// updateDeleted 主键上有删除标记的记录时把插入转成对它的更新（UPD_DEL），
// 旧版本的全部字段记入undo，旧LOB由purge根据undo释放。调用方持有叶子X闩锁。
func (e *Env) updateDeleted(trx *mvcc.Trx, t *dict.Table, c *btree.Cursor, row []record.Field) error {
	old := c.Record()
	u := &undo.Record{
		Type:            undo.TypeUpdDel,
		OldDeleteMarked: true,
		TableID:         t.ID,
		OldTrxID:        old.TrxID,
		OldRollPtr:      old.RollPtr,
		Key:             t.Clustered.Key(old).Clone(),
		Indexed:         indexedFields(t, old),
	}
	for i := t.Clustered.NUnique; i < len(old.Fields); i++ {
		u.Updates = append(u.Updates, undo.FieldUpdate{FieldNo: i, Old: old.Fields[i].Clone()})
		if old.Fields[i].Extern {
			u.ExternChanged = true
		}
	}
	ptr, err := e.appendUndo(trx, u)
	if err != nil {
		return err
	}
	rec := t.Clustered.BuildEntry(row)
	rec.TrxID = trx.ID
	rec.RollPtr = ptr
	return c.Replace(rec)
}

// insertSecondary 插入二级索引记录；同键的记录带删除标记时取消标记
func (e *Env) insertSecondary(ctx context.Context, trx *mvcc.Trx, ix *dict.Index, entry *record.Record) error {
	entry.TrxID = trx.ID
	err := ix.Tree.Insert(ctx, entry)
	if !basic.IsDuplicateKey(err) {
		return err
	}
	ok, err := e.markSecondary(trx, ix, ix.Key(entry), false)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(basic.ErrDuplicateKey, "index %s key %s", ix, ix.Key(entry))
	}
	return nil
}

// markSecondary 设置二级索引记录的删除标记。记录不存在或标记已是目标值时返回false。
func (e *Env) markSecondary(trx *mvcc.Trx, ix *dict.Index, key record.Tuple, mark bool) (bool, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, found, err := openIndex(mtr, ix, key, latch.X)
	if err != nil || !found {
		return false, err
	}
	cur := c.Record()
	if cur.DeleteMarked == mark {
		return false, nil
	}
	nr := cur.Clone()
	nr.DeleteMarked = mark
	nr.TrxID = trx.ID
	return true, c.Replace(nr)
}
