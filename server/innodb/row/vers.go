package row

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// PrevVersion 用rec的undo构造上一个版本。rec由insert创建时返回nil。
func (e *Env) PrevVersion(rec *record.Record) (*record.Record, error) {
	if rec.RollPtr.IsNull() || rec.RollPtr.IsInsert() {
		return nil, nil
	}
	u, err := e.Undo.Read(rec.RollPtr)
	if err != nil {
		return nil, err
	}
	if u.TrxID != rec.TrxID {
		return nil, errors.Wrapf(basic.ErrCorruption, "undo %s does not belong to trx %d", u, rec.TrxID)
	}
	e.Monitor.Inc(monitor.VersionsBuilt)
	return applyUndo(rec, u), nil
}

// applyUndo 把undo中的旧值应用到拷贝上。原地修改的LOB保留引用，
// 旧字节作为覆盖层追加，读取时依次覆盖到当前内容上。
func applyUndo(rec *record.Record, u *undo.Record) *record.Record {
	prev := rec.Clone()
	for _, fu := range u.Updates {
		if fu.LOBDelta != nil {
			if prev.Overlays == nil {
				prev.Overlays = make(map[int][]record.Patch)
			}
			prev.Overlays[fu.FieldNo] = append(prev.Overlays[fu.FieldNo], fu.LOBDelta...)
			continue
		}
		prev.Fields[fu.FieldNo] = fu.Old.Clone()
		if prev.Overlays != nil {
			delete(prev.Overlays, fu.FieldNo)
		}
	}
	prev.DeleteMarked = u.OldDeleteMarked
	prev.TrxID = u.OldTrxID
	prev.RollPtr = u.OldRollPtr
	return prev
}

// BuildForConsistentRead 沿版本链找到view可见的版本；
// 该快照下行还不存在时返回(nil, nil)。带删除标记的版本照常返回，由调用方处理。
func (e *Env) BuildForConsistentRead(ctx context.Context, rec *record.Record, view *mvcc.ReadView) (*record.Record, error) {
	cur := rec
	for {
		if view.ChangesVisible(cur.TrxID) {
			return cur, nil
		}
		if err := interrupted(ctx); err != nil {
			return nil, err
		}
		prev, err := e.PrevVersion(cur)
		if err != nil || prev == nil {
			return nil, err
		}
		cur = prev
	}
}

// BuildForSemiConsistentRead 返回最后一个已提交的版本，self自己的修改视为已提交
func (e *Env) BuildForSemiConsistentRead(ctx context.Context, rec *record.Record, self basic.TrxID) (*record.Record, error) {
	cur := rec
	for {
		if cur.TrxID == self || !e.TrxSys.IsActive(cur.TrxID) {
			return cur, nil
		}
		if err := interrupted(ctx); err != nil {
			return nil, err
		}
		prev, err := e.PrevVersion(cur)
		if err != nil || prev == nil {
			return nil, err
		}
		cur = prev
	}
}

// OldVersionsHaveIndexEntry 二级索引项entry是否仍可能被某个读视图用到：
// 当前版本（alsoCurr时）或purge视图之后的任一未删除的历史版本产生同样的索引项。
// 遇到对purge视图可见的版本后停止，更早的版本不会再被读到。
func (e *Env) OldVersionsHaveIndexEntry(ctx context.Context, alsoCurr bool, clust *record.Record, ix *dict.Index, entry *record.Record, purgeView *mvcc.ReadView) (bool, error) {
	if alsoCurr && !clust.DeleteMarked && ix.EntryMatches(entry, clust) {
		return true, nil
	}
	cur := clust
	for !purgeView.ChangesVisible(cur.TrxID) {
		if err := interrupted(ctx); err != nil {
			return false, err
		}
		prev, err := e.PrevVersion(cur)
		if err != nil || prev == nil {
			return false, err
		}
		if !prev.DeleteMarked && ix.EntryMatches(entry, prev) {
			return true, nil
		}
		cur = prev
	}
	return false, nil
}

// FetchColumn 读取记录第fieldNo个字段的完整值，maxLen<0表示不限长度。
// 外部列按隔离级别读取页链，并应用历史版本的覆盖层。
func (e *Env) FetchColumn(ctx context.Context, rec *record.Record, fieldNo, maxLen int, iso basic.IsolationLevel) ([]byte, error) {
	f := rec.Fields[fieldNo]
	if f.Null {
		return nil, nil
	}
	if !f.Extern {
		if maxLen >= 0 && len(f.Data) > maxLen {
			return f.Data[:maxLen], nil
		}
		return f.Data, nil
	}
	ref, err := lob.Decode(f.Data)
	if err != nil {
		return nil, err
	}
	if ref.IsNull() || ref.IsFreed() {
		return nil, errors.Wrapf(basic.ErrCorruption, "read of released lob %s", ref)
	}
	want := ref.Length()
	if maxLen >= 0 && maxLen < want {
		want = maxLen
	}
	if want == 0 {
		return []byte{}, nil
	}
	data, err := e.Reader.FetchForIsolation(ctx, ref, want, iso)
	if err != nil {
		return nil, err
	}
	for _, p := range rec.Overlays[fieldNo] {
		if p.Offset >= len(data) {
			continue
		}
		copy(data[p.Offset:], p.Data)
	}
	return data, nil
}
