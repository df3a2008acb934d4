package row

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

func TestInsert(t *testing.T) {
	f := newFixture(t)
	f.load(t, 3)

	t.Run("主键重复", func(t *testing.T) {
		w := f.env.Begin(basic.RepeatableRead)
		row := []record.Field{record.NewField(idKey(1)), record.NewField([]byte("dup")), record.NewField([]byte("x"))}
		err := f.env.Insert(f.ctx, w, f.t, row)
		assert.True(t, basic.IsDuplicateKey(err))
		require.NoError(t, f.env.Rollback(w))
	})

	t.Run("列数不对", func(t *testing.T) {
		w := f.env.Begin(basic.RepeatableRead)
		err := f.env.Insert(f.ctx, w, f.t, []record.Field{record.NewField(idKey(9))})
		assert.ErrorIs(t, err, basic.ErrInvalidArgument)
		require.NoError(t, f.env.Rollback(w))
	})

	t.Run("删除后再插入同一主键", func(t *testing.T) {
		old := f.env.Begin(basic.RepeatableRead)
		require.NotNil(t, f.get(t, old, 2))

		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.DeleteMark(f.ctx, w, f.t, pk(2)))
		f.insert(t, w, 2, "again", []byte("body"))
		require.NoError(t, f.env.Commit(w))

		fresh := f.env.Begin(basic.RepeatableRead)
		assert.Equal(t, "again", string(f.get(t, fresh, 2).Columns[colK].Value))
		assert.Equal(t, "k2", string(f.get(t, old, 2).Columns[colK].Value))
		assert.Equal(t, idList(2), ids(f.scan(t, f.byK(fresh, "again"))))
		assert.Empty(t, f.scan(t, f.byK(fresh, "k2")))
	})
}

func TestExternalColumns(t *testing.T) {
	f := newFixture(t)
	body := randomBytes(10000, 1)
	w := f.env.Begin(basic.RepeatableRead)
	f.insert(t, w, 1, "k1", body)
	require.NoError(t, f.env.Commit(w))

	before := f.env.Begin(basic.RepeatableRead)
	got := f.get(t, before, 1)
	require.NotNil(t, got)
	require.True(t, got.Rec.Fields[f.t.Clustered.FieldOf(colBody)].Extern)
	assert.Equal(t, body, got.Columns[colBody].Value)

	t.Run("读取前缀", func(t *testing.T) {
		v, err := f.env.FetchColumn(f.ctx, got.Rec, f.t.Clustered.FieldOf(colBody), 10, basic.RepeatableRead)
		require.NoError(t, err)
		assert.Equal(t, body[:10], v)
		v, err = f.env.FetchColumn(f.ctx, got.Rec, f.t.Clustered.FieldOf(colBody), 0, basic.RepeatableRead)
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	patched := append([]byte(nil), body...)
	copy(patched[100:], "PATCHED")
	t.Run("原地修改后旧快照仍读到旧字节", func(t *testing.T) {
		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{{Col: colBody, Patch: []byte("PATCHED"), Offset: 100}}))
		require.NoError(t, f.env.Commit(w))

		assert.Equal(t, body, f.get(t, before, 1).Columns[colBody].Value)
		fresh := f.env.Begin(basic.RepeatableRead)
		assert.Equal(t, patched, f.get(t, fresh, 1).Columns[colBody].Value)
	})

	t.Run("流式写入期间", func(t *testing.T) {
		next := randomBytes(9000, 2)
		w := f.env.Begin(basic.RepeatableRead)
		u, err := f.env.BeginLOBUpdate(f.ctx, w, f.t, pk(1), colBody)
		require.NoError(t, err)
		_, err = u.Write(next[:5000])
		require.NoError(t, err)

		own := f.get(t, w, 1)
		assert.True(t, own.Columns[colBody].NotReady, "strict reads of a lob being written")
		assert.NotZero(t, f.env.Monitor.Get(monitor.LOBNotReady))

		ru := f.env.Begin(basic.ReadUncommitted)
		partial := f.get(t, ru, 1).Columns[colBody]
		assert.False(t, partial.NotReady)
		assert.True(t, bytes.HasPrefix(next, partial.Value))

		rr := f.env.Begin(basic.RepeatableRead)
		assert.Equal(t, patched, f.get(t, rr, 1).Columns[colBody].Value, "previous version is still readable")

		_, err = u.Write(next[5000:])
		require.NoError(t, err)
		require.NoError(t, u.Finish())
		require.NoError(t, f.env.Commit(w))

		fresh := f.env.Begin(basic.RepeatableRead)
		assert.Equal(t, next, f.get(t, fresh, 1).Columns[colBody].Value)
		assert.Equal(t, patched, f.get(t, rr, 1).Columns[colBody].Value)
	})

	t.Run("流式写入期间加锁读等待", func(t *testing.T) {
		last := randomBytes(12000, 3)
		w := f.env.Begin(basic.RepeatableRead)
		u, err := f.env.BeginLOBUpdate(f.ctx, w, f.t, pk(1), colBody)
		require.NoError(t, err)
		_, err = u.Write(last[:4000])
		require.NoError(t, err)

		reader := f.env.Begin(basic.RepeatableRead)
		pb := NewPrebuilt(reader, f.t.Clustered)
		pb.SearchTuple = pk(1)
		pb.MatchPrefix = true
		pb.SelectLock = LockShared
		s := NewSearcher(f.env, nil)
		s.Open(pb)
		defer s.Close(pb)
		st, _, err := s.Search(f.ctx, pb)
		require.NoError(t, err)
		require.Equal(t, LockWait, st)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, err := u.Write(last[4000:])
			assert.NoError(t, err)
			assert.NoError(t, u.Finish())
			assert.NoError(t, f.env.Commit(w))
		}()
		st, row, err := s.Resume(f.ctx, pb)
		require.NoError(t, err)
		require.Equal(t, RowFound, st)
		assert.False(t, row.Columns[colBody].NotReady)
		assert.Equal(t, last, row.Columns[colBody].Value)
		require.NoError(t, f.env.Commit(reader))
	})
}

func TestRollback(t *testing.T) {
	t.Run("回滚插入释放LOB", func(t *testing.T) {
		f := newFixture(t)
		used := f.bp.UsedPages(f.t.Space)
		w := f.env.Begin(basic.RepeatableRead)
		f.insert(t, w, 1, "k1", randomBytes(10000, 3))
		require.Greater(t, f.bp.UsedPages(f.t.Space), used)
		require.NoError(t, f.env.Rollback(w))

		assert.Equal(t, used, f.bp.UsedPages(f.t.Space))
		reader := f.env.Begin(basic.RepeatableRead)
		assert.Nil(t, f.get(t, reader, 1))
		assert.Empty(t, f.scan(t, NewPrebuilt(reader, f.t.Secondary[0])))
		assert.Zero(t, f.env.Locks.NumLocks(w.ID))
	})

	t.Run("回滚更新", func(t *testing.T) {
		f := newFixture(t)
		f.load(t, 3)
		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{
			{Col: colK, Value: record.NewField([]byte("x"))},
			{Col: colBody, Value: record.NewField(randomBytes(8000, 4))},
		}))
		require.NoError(t, f.env.Rollback(w))

		reader := f.env.Begin(basic.RepeatableRead)
		got := f.get(t, reader, 1)
		assert.Equal(t, "k1", string(got.Columns[colK].Value))
		assert.Equal(t, "small", string(got.Columns[colBody].Value))
		assert.Empty(t, f.scan(t, f.byK(reader, "x")))
		assert.Equal(t, idList(1), ids(f.scan(t, f.byK(reader, "k1"))))
	})

	t.Run("回滚删除标记", func(t *testing.T) {
		f := newFixture(t)
		f.load(t, 3)
		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.DeleteMark(f.ctx, w, f.t, pk(0)))
		require.NoError(t, f.env.Rollback(w))

		reader := f.env.Begin(basic.RepeatableRead)
		assert.NotNil(t, f.get(t, reader, 0))
		assert.Equal(t, idList(0), ids(f.scan(t, f.byK(reader, "k0"))))
	})

	t.Run("回滚原地修改的LOB", func(t *testing.T) {
		f := newFixture(t)
		body := randomBytes(6000, 5)
		w := f.env.Begin(basic.RepeatableRead)
		f.insert(t, w, 1, "k1", body)
		require.NoError(t, f.env.Commit(w))

		w = f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{{Col: colBody, Patch: []byte("zzzz"), Offset: 4000}}))
		require.NoError(t, f.env.Rollback(w))

		reader := f.env.Begin(basic.RepeatableRead)
		assert.Equal(t, body, f.get(t, reader, 1).Columns[colBody].Value)
	})
}

// 修改主键：旧行打删除标记，新行继承未修改的LOB
func TestPrimaryKeyUpdate(t *testing.T) {
	body := randomBytes(7000, 6)
	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		w := f.env.Begin(basic.RepeatableRead)
		f.insert(t, w, 1, "k1", body)
		require.NoError(t, f.env.Commit(w))
		return f
	}
	refOf := func(t *testing.T, r *Row, f *fixture) lob.Ref {
		ref, err := lob.Decode(r.Rec.Fields[f.t.Clustered.FieldOf(colBody)].Data)
		require.NoError(t, err)
		return ref
	}

	t.Run("提交", func(t *testing.T) {
		f := setup(t)
		old := f.env.Begin(basic.RepeatableRead)
		require.NotNil(t, f.get(t, old, 1))

		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{{Col: colID, Value: record.NewField(idKey(9))}}))
		require.NoError(t, f.env.Commit(w))

		fresh := f.env.Begin(basic.RepeatableRead)
		assert.Nil(t, f.get(t, fresh, 1))
		moved := f.get(t, fresh, 9)
		require.NotNil(t, moved)
		assert.Equal(t, body, moved.Columns[colBody].Value)
		ref := refOf(t, moved, f)
		assert.True(t, ref.IsOwner())
		assert.True(t, ref.IsInherited())

		prev := f.get(t, old, 1)
		require.NotNil(t, prev, "old snapshot still sees the old key")
		assert.Equal(t, body, prev.Columns[colBody].Value)
		assert.Equal(t, idList(9), ids(f.scan(t, f.byK(fresh, "k1"))))
	})

	t.Run("继承的LOB小修改", func(t *testing.T) {
		f := setup(t)
		old := f.env.Begin(basic.RepeatableRead)
		require.NotNil(t, f.get(t, old, 1))

		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{{Col: colID, Value: record.NewField(idKey(9))}}))
		require.NoError(t, f.env.Commit(w))
		moved := f.env.Begin(basic.RepeatableRead)
		inherited := refOf(t, f.get(t, moved, 9), f)

		w = f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(9), []Change{{Col: colBody, Patch: []byte("PATCHED"), Offset: 10}}))
		require.NoError(t, f.env.Commit(w))

		patched := append([]byte(nil), body...)
		copy(patched[10:], "PATCHED")
		fresh := f.env.Begin(basic.RepeatableRead)
		got := f.get(t, fresh, 9)
		assert.Equal(t, patched, got.Columns[colBody].Value)
		ref := refOf(t, got, f)
		assert.False(t, ref.SameChain(inherited), "shared chain is rewritten, not patched")
		assert.True(t, ref.IsOwner())
		assert.False(t, ref.IsInherited())

		assert.Equal(t, body, f.get(t, old, 1).Columns[colBody].Value)
		assert.Equal(t, body, f.get(t, moved, 9).Columns[colBody].Value)
	})

	t.Run("回滚", func(t *testing.T) {
		f := setup(t)
		w := f.env.Begin(basic.RepeatableRead)
		require.NoError(t, f.env.Update(f.ctx, w, f.t, pk(1), []Change{{Col: colID, Value: record.NewField(idKey(9))}}))
		require.NoError(t, f.env.Rollback(w))

		reader := f.env.Begin(basic.RepeatableRead)
		assert.Nil(t, f.get(t, reader, 9))
		back := f.get(t, reader, 1)
		require.NotNil(t, back)
		assert.Equal(t, body, back.Columns[colBody].Value)
		assert.True(t, refOf(t, back, f).IsOwner())
	})
}

func TestJoin(t *testing.T) {
	f := newFixture(t)
	f.load(t, 4)
	tags, err := f.env.Dict.CreateTable(dict.TableDef{
		Name:       "tags",
		Columns:    []dict.ColumnDef{{Name: "doc"}, {Name: "tag"}},
		PrimaryKey: []string{"doc", "tag"},
	})
	require.NoError(t, err)
	w := f.env.Begin(basic.RepeatableRead)
	for _, p := range [][2]string{{"r001", "a"}, {"r001", "b"}, {"r003", "c"}} {
		require.NoError(t, f.env.Insert(f.ctx, w, tags, []record.Field{record.NewField([]byte(p[0])), record.NewField([]byte(p[1]))}))
	}
	require.NoError(t, f.env.Commit(w))

	reader := f.env.Begin(basic.RepeatableRead)
	var pairs []string
	err = f.s.Join(f.ctx, []JoinStep{
		func([]*Row) *Prebuilt { return NewPrebuilt(reader, f.t.Clustered) },
		func(outer []*Row) *Prebuilt {
			pb := NewPrebuilt(reader, tags.Clustered)
			pb.SearchTuple = record.Tuple{record.NewField(outer[0].Columns[colID].Value)}
			pb.MatchPrefix = true
			return pb
		},
	}, func(rows []*Row) error {
		pairs = append(pairs, string(rows[0].Columns[colID].Value)+"/"+string(rows[1].Columns[1].Value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r001/a", "r001/b", "r003/c"}, pairs)
}
