package row

import (
	"context"

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

// RemoveEntry 物理删除索引记录：先只改叶子，需要改树时按策略重试。
// check在记录被X闩住时调用，可能被调用不止一次。
func RemoveEntry(ctx context.Context, ix *dict.Index, key record.Tuple, check btree.DeleteCheck, policy util.RetryPolicy) util.Result[btree.DeleteResult] {
	res, err := ix.Tree.DeleteOptimistic(ctx, key, check)
	if err != nil {
		return util.Result[btree.DeleteResult]{Outcome: util.Failed, Err: err, Attempts: 1}
	}
	if res != btree.NeedsTree {
		return util.Result[btree.DeleteResult]{Value: res, Outcome: util.Success, Attempts: 1}
	}
	return util.RetryOnOutOfSpace(ctx, policy, func(int) (btree.DeleteResult, error) {
		return ix.Tree.DeletePessimistic(ctx, key, check)
	})
}

// indexedFields 出现在任一二级索引中的聚簇字段的当前值
func indexedFields(t *dict.Table, rec *record.Record) []undo.IndexedField {
	var out []undo.IndexedField
	seen := make(map[int]bool)
	for _, ix := range t.Secondary {
		for _, col := range ix.Cols {
			fn := t.Clustered.FieldOf(col)
			if fn < t.Clustered.NUnique || seen[fn] {
				continue
			}
			seen[fn] = true
			out = append(out, undo.IndexedField{FieldNo: fn, Old: rec.Fields[fn].Clone()})
		}
	}
	return out
}

// appendUndo 写undo并登记到事务
func (e *Env) appendUndo(trx *mvcc.Trx, rec *undo.Record) (basic.RollPtr, error) {
	rec.UndoNo = trx.NextUndoNo()
	rec.TrxID = trx.ID
	insert := rec.Type == undo.TypeInsert
	ptr, err := e.Undo.Append(trx.Segment(e.Undo, insert), rec)
	if err != nil {
		return 0, err
	}
	trx.AddUndo(mvcc.UndoEntry{Ptr: ptr, TableID: rec.TableID, Type: rec.Type})
	return ptr, nil
}

// memRefField 不在任何页上的引用，用于释放写了一半的LOB
type memRefField struct {
	ref lob.Ref
}

func (f *memRefField) Ref() (lob.Ref, error) {
	return f.ref, nil
}

func (f *memRefField) SetRef(_ *latch.Mtr, r lob.Ref) error {
	f.ref = r
	return nil
}

// discardLOBs 释放本次操作新写入、尚未挂到记录上的LOB
func (e *Env) discardLOBs(fields []record.Field, fresh []bool) {
	for i, f := range fields {
		if !fresh[i] || !f.Extern {
			continue
		}
		ref, err := lob.Decode(f.Data)
		if err != nil {
			continue
		}
		mtr := latch.NewMtr()
		if _, err := lob.Free(context.Background(), e.BP, mtr, &lob.DeleteContext{Field: &memRefField{ref: ref}}); err != nil {
			e.log.WithError(err).Warnf("discard lob %s", ref)
		}
		mtr.Commit()
	}
}

// freeRecordLOBs 在记录被X闩住时释放它拥有的LOB
func (e *Env) freeRecordLOBs(ctx context.Context, mtr *latch.Mtr, c *btree.Cursor, rollback bool) (int, error) {
	total := 0
	for i, f := range c.Record().Fields {
		if !f.Extern {
			continue
		}
		n, err := lob.Free(ctx, e.BP, mtr, &lob.DeleteContext{Field: c.RefField(i), Rollback: rollback})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// setOwnership 把记录上所有外部引用的owner标记置为own，返回新记录
func setOwnership(rec *record.Record, own bool) (*record.Record, error) {
	nr := rec.Clone()
	for i, f := range nr.Fields {
		if !f.Extern {
			continue
		}
		ref, err := lob.Decode(f.Data)
		if err != nil {
			return nil, err
		}
		if ref.IsNull() || ref.IsFreed() {
			continue
		}
		nr.Fields[i].Data = ref.SetOwner(own).Encode()
	}
	return nr, nil
}
