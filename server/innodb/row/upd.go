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
)

// Change 对一列的修改。Patch非nil时只覆盖LOB的[Offset, Offset+len(Patch))，
// 否则用Value整体替换，LOB列的Value是完整的新内容。
type Change struct {
	Col    int
	Value  record.Field
	Patch  []byte
	Offset int
}

// preparedChange 已经完成LOB写入、可以在闩锁内应用的修改
type preparedChange struct {
	fieldNo int
	value   record.Field
	fresh   bool   // value是本次新写的LOB
	patch   []byte // 原地修改LOB
	offset  int
	oldData []byte // 原地修改前的字节
}

// Update 按主键更新一行。修改主键列时转为删除标记旧行加插入新行。
func (e *Env) Update(ctx context.Context, trx *mvcc.Trx, t *dict.Table, pk record.Tuple, changes []Change) error {
	for _, ch := range changes {
		if ch.Col < 0 || ch.Col >= t.NCols() {
			return errors.Wrapf(basic.ErrInvalidArgument, "table %s has no column %d", t, ch.Col)
		}
	}
	if err := e.lockClusteredX(ctx, trx, t, pk); err != nil {
		return err
	}
	cur, err := e.readCurrent(t, pk)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		if t.Clustered.FieldOf(ch.Col) < t.Clustered.NUnique {
			return e.updateByInsert(ctx, trx, t, cur, changes)
		}
	}

	prepared, err := e.prepareChanges(ctx, t, cur, changes)
	if err != nil {
		return err
	}
	fresh := make([]record.Field, len(prepared))
	freshMark := make([]bool, len(prepared))
	for i, pc := range prepared {
		fresh[i], freshMark[i] = pc.value, pc.fresh
	}

	old, rec, err := e.applyInPlace(trx, t, pk, prepared)
	if err != nil {
		e.discardLOBs(fresh, freshMark)
		return err
	}
	// 新版本和undo都已就位，再改写LOB字节，读旧版本的快照通过undo中的旧字节还原
	for _, pc := range prepared {
		if pc.patch == nil {
			continue
		}
		ref, err := lob.Decode(rec.Fields[pc.fieldNo].Data)
		if err != nil {
			return err
		}
		if _, err := e.Writer.PartialUpdate(ctx, ref, pc.offset, pc.patch); err != nil {
			return err
		}
	}
	return e.updateSecondaries(ctx, trx, t, old, rec)
}

// readCurrent 读取未删除的当前记录
func (e *Env) readCurrent(t *dict.Table, pk record.Tuple) (*record.Record, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, found, err := openClustered(mtr, t, pk, latch.S)
	if err != nil {
		return nil, err
	}
	if !found || c.Record().DeleteMarked {
		return nil, errors.Wrapf(basic.ErrRecordNotFound, "table %s key %s", t, pk)
	}
	return c.Record(), nil
}

// prepareChanges 在不持有闩锁时写好新的LOB，小的LOB修改只读出旧字节
func (e *Env) prepareChanges(ctx context.Context, t *dict.Table, cur *record.Record, changes []Change) ([]preparedChange, error) {
	out := make([]preparedChange, 0, len(changes))
	fail := func(err error) ([]preparedChange, error) {
		fields := make([]record.Field, len(out))
		mark := make([]bool, len(out))
		for i, pc := range out {
			fields[i], mark[i] = pc.value, pc.fresh
		}
		e.discardLOBs(fields, mark)
		return nil, err
	}
	for _, ch := range changes {
		fn := t.Clustered.FieldOf(ch.Col)
		curField := cur.Fields[fn]
		pc := preparedChange{fieldNo: fn}
		value := ch.Value
		if ch.Patch != nil {
			if e.patchInPlace(curField, ch) {
				ref, err := lob.Decode(curField.Data)
				if err != nil {
					return fail(err)
				}
				if ch.Offset < 0 || ch.Offset+len(ch.Patch) > ref.Length() {
					return fail(errors.Wrapf(basic.ErrInvalidArgument, "patch [%d,%d) outside lob of %d bytes",
						ch.Offset, ch.Offset+len(ch.Patch), ref.Length()))
				}
				prefix, err := e.Reader.Fetch(ctx, ref, ch.Offset+len(ch.Patch))
				if err != nil {
					return fail(err)
				}
				pc.value = curField
				pc.patch = ch.Patch
				pc.offset = ch.Offset
				pc.oldData = append([]byte(nil), prefix[ch.Offset:]...)
				out = append(out, pc)
				continue
			}
			whole, err := e.FetchColumn(ctx, cur, fn, -1, basic.ReadUncommitted)
			if err != nil {
				return fail(err)
			}
			if ch.Offset < 0 || ch.Offset+len(ch.Patch) > len(whole) {
				return fail(errors.Wrapf(basic.ErrInvalidArgument, "patch [%d,%d) outside value of %d bytes",
					ch.Offset, ch.Offset+len(ch.Patch), len(whole)))
			}
			data := append([]byte(nil), whole...)
			copy(data[ch.Offset:], ch.Patch)
			value = record.NewField(data)
		}
		pc.value = value
		if !value.Null && !value.Extern && t.IsExternCandidate(ch.Col, value.Data) {
			ref, err := e.Writer.Write(ctx, t.Space, value.Data)
			if err != nil {
				return fail(err)
			}
			pc.value = record.ExternField(ref.Encode())
			pc.fresh = true
		}
		out = append(out, pc)
	}
	return out, nil
}

// patchInPlace 小修改直接写进页链，只对本版本独占的未压缩页链成立。
// 主键更新继承来的页链仍被旧主键的版本引用，必须整体重写。
func (e *Env) patchInPlace(f record.Field, ch Change) bool {
	if !f.Extern || e.Writer.Compressed() || len(ch.Patch) > lob.SmallChangeThreshold {
		return false
	}
	ref, err := lob.Decode(f.Data)
	if err != nil {
		// 交给调用方报告解码错误
		return true
	}
	return ref.IsOwner() && !ref.IsInherited()
}

// applyInPlace 在叶子X闩锁内写undo并替换记录
func (e *Env) applyInPlace(trx *mvcc.Trx, t *dict.Table, pk record.Tuple, prepared []preparedChange) (*record.Record, *record.Record, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, found, err := openClustered(mtr, t, pk, latch.X)
	if err != nil {
		return nil, nil, err
	}
	if !found || c.Record().DeleteMarked {
		return nil, nil, errors.Wrapf(basic.ErrRecordNotFound, "table %s key %s", t, pk)
	}
	old := c.Record()
	u := &undo.Record{
		Type:       undo.TypeUpdExist,
		TableID:    t.ID,
		OldTrxID:   old.TrxID,
		OldRollPtr: old.RollPtr,
		Key:        pk.Clone(),
		Indexed:    indexedFields(t, old),
	}
	rec := old.Clone()
	for _, pc := range prepared {
		fu := undo.FieldUpdate{FieldNo: pc.fieldNo, Old: old.Fields[pc.fieldNo].Clone()}
		if pc.patch != nil {
			fu.LOBDelta = []record.Patch{{Offset: pc.offset, Data: pc.oldData}}
		} else if fu.Old.Extern {
			u.ExternChanged = true
		}
		u.Updates = append(u.Updates, fu)
		rec.Fields[pc.fieldNo] = pc.value
	}
	ptr, err := e.appendUndo(trx, u)
	if err != nil {
		return nil, nil, err
	}
	rec.TrxID = trx.ID
	rec.RollPtr = ptr
	if err := c.Replace(rec); err != nil {
		return nil, nil, err
	}
	return old, rec, nil
}

// updateSecondaries 索引列变化时给旧项打删除标记并插入新项
func (e *Env) updateSecondaries(ctx context.Context, trx *mvcc.Trx, t *dict.Table, old, rec *record.Record) error {
	for _, ix := range t.Secondary {
		oe := ix.BuildSecondaryEntry(old)
		ne := ix.BuildSecondaryEntry(rec)
		if record.Compare(ix.Key(oe), ix.Key(ne)) == 0 {
			continue
		}
		if _, err := e.markSecondary(trx, ix, ix.Key(oe), true); err != nil {
			return err
		}
		if err := e.insertSecondary(ctx, trx, ix, ne); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMark 给一行打删除标记，物理删除由purge完成
func (e *Env) DeleteMark(ctx context.Context, trx *mvcc.Trx, t *dict.Table, pk record.Tuple) error {
	if err := e.lockClusteredX(ctx, trx, t, pk); err != nil {
		return err
	}
	_, err := e.deleteMark(trx, t, pk, nil)
	return err
}

// deleteMark 写DEL_MARK undo并给聚簇与二级记录打标记。
// disown中的字段号在被标记的版本上放弃LOB所有权，由新行继承。
func (e *Env) deleteMark(trx *mvcc.Trx, t *dict.Table, pk record.Tuple, disown map[int]bool) (*record.Record, error) {
	mtr := latch.NewMtr()
	c, found, err := openClustered(mtr, t, pk, latch.X)
	if err != nil {
		mtr.Commit()
		return nil, err
	}
	if !found || c.Record().DeleteMarked {
		mtr.Commit()
		return nil, errors.Wrapf(basic.ErrRecordNotFound, "table %s key %s", t, pk)
	}
	old := c.Record()
	ptr, err := e.appendUndo(trx, &undo.Record{
		Type:       undo.TypeDelMark,
		TableID:    t.ID,
		OldTrxID:   old.TrxID,
		OldRollPtr: old.RollPtr,
		Key:        pk.Clone(),
		Indexed:    indexedFields(t, old),
	})
	if err != nil {
		mtr.Commit()
		return nil, err
	}
	rec := old.Clone()
	for fn := range disown {
		ref, err := lob.Decode(rec.Fields[fn].Data)
		if err != nil {
			mtr.Commit()
			return nil, err
		}
		rec.Fields[fn].Data = ref.SetOwner(false).Encode()
	}
	rec.DeleteMarked = true
	rec.TrxID = trx.ID
	rec.RollPtr = ptr
	err = c.Replace(rec)
	mtr.Commit()
	if err != nil {
		return nil, err
	}

	for _, ix := range t.Secondary {
		if _, err := e.markSecondary(trx, ix, ix.Key(ix.BuildSecondaryEntry(old)), true); err != nil {
			return nil, err
		}
	}
	return old, nil
}

// updateByInsert 主键变化：旧行打删除标记，新行插入。未修改的LOB列由新行继承，
// 旧版本先放弃所有权再插入新行，任何时刻只有一个版本是owner。
func (e *Env) updateByInsert(ctx context.Context, trx *mvcc.Trx, t *dict.Table, cur *record.Record, changes []Change) error {
	row := t.RowOf(cur)
	changed := make(map[int]bool, len(changes))
	for _, ch := range changes {
		changed[ch.Col] = true
		if ch.Patch != nil {
			whole, err := e.FetchColumn(ctx, cur, t.Clustered.FieldOf(ch.Col), -1, basic.ReadUncommitted)
			if err != nil {
				return err
			}
			if ch.Offset < 0 || ch.Offset+len(ch.Patch) > len(whole) {
				return errors.Wrapf(basic.ErrInvalidArgument, "patch outside value of %d bytes", len(whole))
			}
			data := append([]byte(nil), whole...)
			copy(data[ch.Offset:], ch.Patch)
			row[ch.Col] = record.NewField(data)
			continue
		}
		row[ch.Col] = ch.Value
	}
	newPK := t.PKOfRow(row)
	if _, err := e.readCurrent(t, newPK); err == nil {
		return errors.Wrapf(basic.ErrDuplicateKey, "table %s key %s", t, newPK)
	} else if !basic.IsRecordNotFound(err) {
		return err
	}

	disown := make(map[int]bool)
	for col, f := range row {
		if changed[col] || !f.Extern {
			continue
		}
		ref, err := lob.Decode(f.Data)
		if err != nil {
			return err
		}
		if !ref.IsOwner() {
			continue
		}
		disown[t.Clustered.FieldOf(col)] = true
		row[col] = record.ExternField(ref.SetInherited(true).Encode())
	}

	stored, fresh, err := e.storeExterns(ctx, t, row)
	if err != nil {
		return err
	}
	if _, err := e.deleteMark(trx, t, t.Clustered.Key(cur), disown); err != nil {
		e.discardLOBs(stored, fresh)
		return err
	}
	return e.insertRow(ctx, trx, t, stored)
}

// LOBUpdate 流式替换一个LOB列。写入期间记录上的引用带being-modified标记，
// 严格隔离级别的读者按未就绪处理，读未提交可以读到已写入的部分。
type LOBUpdate struct {
	env   *Env
	trx   *mvcc.Trx
	table *dict.Table
	pk    record.Tuple
	field int
	ic    *lob.InsertContext
	done  bool
}

// BeginLOBUpdate 锁住行，写undo，把列指向新页链的首页
func (e *Env) BeginLOBUpdate(ctx context.Context, trx *mvcc.Trx, t *dict.Table, pk record.Tuple, col int) (*LOBUpdate, error) {
	if col < 0 || col >= t.NCols() || !t.Columns[col].LOB {
		return nil, errors.Wrapf(basic.ErrInvalidArgument, "column %d of %s is not a lob column", col, t)
	}
	if err := e.lockClusteredX(ctx, trx, t, pk); err != nil {
		return nil, err
	}
	ic, err := e.Writer.Begin(t.Space)
	if err != nil {
		return nil, err
	}
	fn := t.Clustered.FieldOf(col)
	pc := preparedChange{fieldNo: fn, value: record.ExternField(ic.Ref().Encode()), fresh: true}
	if _, _, err := e.applyInPlace(trx, t, pk, []preparedChange{pc}); err != nil {
		ic.Abort()
		return nil, err
	}
	return &LOBUpdate{env: e, trx: trx, table: t, pk: pk.Clone(), field: fn, ic: ic}, nil
}

// Write 追加字节，并把记录上的引用长度推进到已落盘的部分
func (u *LOBUpdate) Write(p []byte) (int, error) {
	n, err := u.ic.Write(p)
	if err != nil {
		return n, err
	}
	return n, u.publish()
}

// Finish 写完剩余数据并清除being-modified标记
func (u *LOBUpdate) Finish() error {
	if u.done {
		return nil
	}
	if _, err := u.ic.Close(); err != nil {
		return err
	}
	u.done = true
	return u.publish()
}

func (u *LOBUpdate) publish() error {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, found, err := openClustered(mtr, u.table, u.pk, latch.X)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(basic.ErrRecordNotFound, "table %s key %s", u.table, u.pk)
	}
	return setRef(mtr, c, u.field, u.ic.Ref())
}

func setRef(mtr *latch.Mtr, c *btree.Cursor, field int, ref lob.Ref) error {
	return c.RefField(field).SetRef(mtr, ref)
}
