package purge

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/row"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

const (
	colID = iota
	colK
	colBody
)

type fixture struct {
	ctx context.Context
	bp  *buffer_pool.BufferPool
	env *row.Env
	t   *dict.Table
	c   *Coordinator
}

// newFixture 表docs(id, k, body)，二级索引idx_k(k)，body超过64字节时外部存储
func newFixture(t *testing.T) *fixture {
	bp := buffer_pool.NewBufferPool(4096)
	ulog := undo.NewLog(bp, 0)
	ts := mvcc.NewTrxSys(ulog, undo.NewHistory(ulog))
	d := dict.NewDictionary(bp)
	tbl, err := d.CreateTable(dict.TableDef{
		Name:            "docs",
		Columns:         []dict.ColumnDef{{Name: "id"}, {Name: "k"}, {Name: "body", LOB: true}},
		PrimaryKey:      []string{"id"},
		Indexes:         []dict.IndexDef{{Name: "idx_k", Columns: []string{"k"}}},
		ExternThreshold: 64,
		MaxLeafRecords:  4,
	})
	require.NoError(t, err)
	env := row.NewEnv(row.Options{
		BP:              bp,
		Dict:            d,
		TrxSys:          ts,
		Locks:           lock.NewSys(time.Second),
		Writer:          lob.NewWriter(bp, nil, 0),
		Monitor:         monitor.New(),
		LockWaitTimeout: time.Second,
	})
	c, err := NewCoordinator(env, Config{Threads: 2, BatchSize: 100, MaxRetries: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return &fixture{ctx: context.Background(), bp: bp, env: env, t: tbl, c: c}
}

func pk(id int) record.Tuple {
	return record.NewTuple([]byte(fmt.Sprintf("r%03d", id)))
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// insert 提交一行
func (f *fixture) insert(t *testing.T, id int, k string, body []byte) {
	trx := f.env.Begin(basic.RepeatableRead)
	row := []record.Field{record.NewField(pk(id)[0].Data), record.NewField([]byte(k)), record.NewField(body)}
	require.NoError(t, f.env.Insert(f.ctx, trx, f.t, row))
	require.NoError(t, f.env.Commit(trx))
}

func (f *fixture) commit(t *testing.T, fn func(trx *mvcc.Trx)) {
	trx := f.env.Begin(basic.RepeatableRead)
	fn(trx)
	require.NoError(t, f.env.Commit(trx))
}

func (f *fixture) deleteRow(t *testing.T, id int) {
	f.commit(t, func(trx *mvcc.Trx) {
		require.NoError(t, f.env.DeleteMark(f.ctx, trx, f.t, pk(id)))
	})
}

func (f *fixture) update(t *testing.T, id, col int, value []byte) {
	f.commit(t, func(trx *mvcc.Trx) {
		require.NoError(t, f.env.Update(f.ctx, trx, f.t, pk(id), []row.Change{{Col: col, Value: record.NewField(value)}}))
	})
}

func (f *fixture) purge(t *testing.T) Stats {
	st, err := f.c.Purge(f.ctx)
	require.NoError(t, err)
	return st
}

func (f *fixture) lobPages() int {
	return f.bp.UsedPages(f.t.Space)
}

func indexLen(t *testing.T, ix *dict.Index) int {
	n, err := ix.Tree.Len()
	require.NoError(t, err)
	return n
}

// read 用新的一致性读取出一行，不存在时返回nil
func (f *fixture) read(t *testing.T, id int) *row.Row {
	trx := f.env.Begin(basic.RepeatableRead)
	defer func() { require.NoError(t, f.env.Commit(trx)) }()
	s := row.NewSearcher(f.env, nil)
	pb := row.NewPrebuilt(trx, f.t.Clustered)
	pb.SearchTuple = pk(id)
	pb.MatchPrefix = true
	s.Open(pb)
	defer s.Close(pb)
	st, r, err := s.Next(f.ctx, pb)
	require.NoError(t, err)
	if st != row.RowFound {
		return nil
	}
	return r
}

func TestPurgeDeletedRow(t *testing.T) {
	f := newFixture(t)
	base := f.lobPages()
	body := randomBytes(10000, 7)
	f.insert(t, 1, "k1", body)
	f.insert(t, 2, "k2", []byte("small"))
	withLOB := f.lobPages()
	require.Greater(t, withLOB-base, 2)

	f.deleteRow(t, 1)
	require.Equal(t, 2, indexLen(t, f.t.Clustered))
	require.Equal(t, 2, indexLen(t, f.t.Secondary[0]))

	t.Run("释放记录和LOB", func(t *testing.T) {
		st := f.purge(t)
		assert.Equal(t, 1, st.Fetched)
		assert.Equal(t, 1, st.Done)
		assert.Equal(t, 0, st.Pending)
		assert.Equal(t, 1, indexLen(t, f.t.Clustered))
		assert.Equal(t, 1, indexLen(t, f.t.Secondary[0]))
		assert.Less(t, f.lobPages(), withLOB)
		assert.Nil(t, f.read(t, 1))
		assert.NotNil(t, f.read(t, 2))

		m := f.env.Monitor
		assert.EqualValues(t, 1, m.Get(monitor.PurgeDelMark))
		assert.EqualValues(t, 1, m.Get(monitor.PurgeClusteredRemoved))
		assert.EqualValues(t, 1, m.Get(monitor.PurgeSecondaryRemoved))
		assert.EqualValues(t, 1, m.Get(monitor.PurgeLOBFreed))
		assert.EqualValues(t, withLOB-f.lobPages(), m.Get(monitor.PurgeLOBPagesFreed))
		assert.Zero(t, f.env.TrxSys.History().PendingSegments())
	})

	t.Run("再次purge无事可做", func(t *testing.T) {
		pages := f.lobPages()
		st := f.purge(t)
		assert.Zero(t, st.Fetched)
		assert.Zero(t, st.Processed)
		assert.Equal(t, pages, f.lobPages())
		assert.Equal(t, 1, indexLen(t, f.t.Clustered))
	})
}

func TestNodeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "k1", randomBytes(5000, 3))
	f.deleteRow(t, 1)

	view := f.env.TrxSys.OldestView()
	items := f.env.TrxSys.History().Fetch(view.LowLimitNo(), 10)
	require.Len(t, items, 1)
	e := NewEntry(items[0])
	node := NewNode(f.env, view, util.RetryPolicy{MaxAttempts: 1})

	first := node.Run(e)
	require.Equal(t, StateDone, first.State, "%v", first.Err)
	assert.Equal(t, undo.TypeDelMark, first.Type)
	assert.True(t, first.ClusteredRemoved)
	assert.Equal(t, 1, first.SecondaryRemoved)
	assert.Equal(t, 1, first.LOBsFreed)
	pages := f.lobPages()

	second := node.Run(e)
	assert.Equal(t, StateDone, second.State)
	assert.True(t, second.Noop())
	assert.Equal(t, pages, f.lobPages())
	require.NoError(t, f.env.TrxSys.History().Done(items[0]))
}

func TestPurgeWaitsForOldestView(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "k1", randomBytes(5000, 4))

	reader := f.env.Begin(basic.RepeatableRead)
	f.env.TrxSys.AssignReadView(reader)
	f.deleteRow(t, 1)

	st := f.purge(t)
	assert.Zero(t, st.Fetched)
	assert.Equal(t, 1, indexLen(t, f.t.Clustered))
	assert.Equal(t, 1, f.env.TrxSys.History().Len())

	require.NoError(t, f.env.Commit(reader))
	st = f.purge(t)
	assert.Equal(t, 1, st.Done)
	assert.Zero(t, indexLen(t, f.t.Clustered))
}

func TestPurgeUpdatedRow(t *testing.T) {
	t.Run("替换的LOB在purge时释放", func(t *testing.T) {
		f := newFixture(t)
		f.insert(t, 1, "k1", randomBytes(10000, 5))
		before := f.lobPages()
		next := randomBytes(3000, 6)
		f.update(t, 1, colBody, next)
		require.Greater(t, f.lobPages(), before)

		st := f.purge(t)
		assert.Equal(t, 1, st.Done)
		assert.Less(t, f.lobPages(), before)
		assert.EqualValues(t, 1, f.env.Monitor.Get(monitor.PurgeUpdExist))
		assert.EqualValues(t, 1, f.env.Monitor.Get(monitor.PurgeLOBFreed))
		assert.Equal(t, next, f.read(t, 1).Columns[colBody].Value)
	})

	t.Run("删除旧的二级索引项", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			f.insert(t, i, "k0", []byte("small"))
		}
		f.update(t, 1, colK, []byte("k9"))
		require.Equal(t, 4, indexLen(t, f.t.Secondary[0]))

		st := f.purge(t)
		assert.Equal(t, 1, st.Done)
		assert.Equal(t, 3, indexLen(t, f.t.Secondary[0]))
		assert.EqualValues(t, 1, f.env.Monitor.Get(monitor.PurgeSecondaryRemoved))
	})

	t.Run("改回原值后旧索引项保留", func(t *testing.T) {
		f := newFixture(t)
		f.insert(t, 1, "a", []byte("small"))
		f.update(t, 1, colK, []byte("b"))
		f.update(t, 1, colK, []byte("a"))

		st := f.purge(t)
		assert.Equal(t, 2, st.Done)
		assert.Equal(t, 1, indexLen(t, f.t.Secondary[0]))
		var keys []string
		require.NoError(t, f.t.Secondary[0].Tree.Walk(func(r *record.Record) bool {
			assert.False(t, r.DeleteMarked)
			keys = append(keys, string(r.Fields[0].Data))
			return true
		}))
		assert.Equal(t, []string{"a"}, keys)
	})

	t.Run("不修改LOB的更新不释放页", func(t *testing.T) {
		f := newFixture(t)
		f.insert(t, 1, "k1", randomBytes(6000, 8))
		f.update(t, 1, colK, []byte("k2"))
		pages := f.lobPages()

		f.purge(t)
		assert.Equal(t, pages, f.lobPages())
		assert.Zero(t, f.env.Monitor.Get(monitor.PurgeLOBFreed))
		assert.Len(t, f.read(t, 1).Columns[colBody].Value, 6000)
	})
}

func TestPurgePrimaryKeyUpdate(t *testing.T) {
	f := newFixture(t)
	body := randomBytes(8000, 9)
	f.insert(t, 1, "k1", body)
	pages := f.lobPages()

	f.commit(t, func(trx *mvcc.Trx) {
		require.NoError(t, f.env.Update(f.ctx, trx, f.t, pk(1), []row.Change{{Col: colID, Value: record.NewField(pk(5)[0].Data)}}))
	})
	f.purge(t)

	// 旧行已删除，LOB由新行继承，purge不能释放
	assert.Equal(t, 1, indexLen(t, f.t.Clustered))
	assert.Nil(t, f.read(t, 1))
	assert.Equal(t, body, f.read(t, 5).Columns[colBody].Value)
	assert.Equal(t, pages, f.lobPages())

	f.deleteRow(t, 5)
	f.purge(t)
	assert.Zero(t, indexLen(t, f.t.Clustered))
	assert.Less(t, f.lobPages(), pages)
}

func TestPurgeReinsertedRow(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "old", randomBytes(6000, 10))
	pages := f.lobPages()
	f.commit(t, func(trx *mvcc.Trx) {
		require.NoError(t, f.env.DeleteMark(f.ctx, trx, f.t, pk(1)))
		row := []record.Field{record.NewField(pk(1)[0].Data), record.NewField([]byte("new")), record.NewField([]byte("small"))}
		require.NoError(t, f.env.Insert(f.ctx, trx, f.t, row))
	})

	st := f.purge(t)
	assert.Equal(t, 2, st.Done)
	assert.Equal(t, 1, indexLen(t, f.t.Clustered))
	assert.Equal(t, 1, indexLen(t, f.t.Secondary[0]))
	assert.Less(t, f.lobPages(), pages)
	assert.Equal(t, "new", string(f.read(t, 1).Columns[colK].Value))
}

func TestPurgeOutOfSpace(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 8; i++ {
		f.insert(t, i, "k", []byte("small"))
	}
	require.Greater(t, f.t.Clustered.Tree.NumLeaves(), 1)
	f.commit(t, func(trx *mvcc.Trx) {
		for i := 0; i < 8; i++ {
			require.NoError(t, f.env.DeleteMark(f.ctx, trx, f.t, pk(i)))
		}
	})

	f.bp.SetQuota(f.t.Space, f.bp.UsedPages(f.t.Space))
	st := f.purge(t)
	require.Greater(t, st.Retried, 0)
	assert.Equal(t, st.Retried, st.Pending)
	assert.Equal(t, st.Retried, f.c.Queue().Len())
	assert.NotZero(t, f.env.TrxSys.History().PendingSegments())
	assert.Positive(t, indexLen(t, f.t.Clustered))

	f.bp.SetQuota(f.t.Space, 0)
	st = f.purge(t)
	assert.Zero(t, st.Retried)
	assert.Zero(t, st.Pending)
	assert.Zero(t, indexLen(t, f.t.Clustered))
	assert.Zero(t, indexLen(t, f.t.Secondary[0]))
	assert.Zero(t, f.env.TrxSys.History().PendingSegments())
}

func TestPurgeDroppedTable(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "k1", []byte("small"))
	f.insert(t, 2, "k2", []byte("small"))
	f.deleteRow(t, 1)
	f.deleteRow(t, 2)
	require.NoError(t, f.env.Dict.Drop(f.t.ID))

	st := f.purge(t)
	assert.Equal(t, 2, st.Skipped)
	assert.Zero(t, st.Pending)
	assert.EqualValues(t, 2, f.env.Monitor.Get(monitor.PurgeSkipped))
	assert.Zero(t, f.env.TrxSys.History().PendingSegments())
}

// cancelAfter 第n次检查Err时才报告取消
type cancelAfter struct {
	context.Context
	n     int32
	polls atomic.Int32
}

func (c *cancelAfter) Err() error {
	if c.polls.Inc() >= c.n {
		return context.Canceled
	}
	return nil
}

func TestPurgeCancelBetweenRecords(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 2, "k2", []byte("small"))
	withoutLOB := f.lobPages()
	f.insert(t, 1, "k1", randomBytes(40000, 11))
	require.Greater(t, f.lobPages()-withoutLOB, 5)
	f.deleteRow(t, 1)
	f.deleteRow(t, 2)

	ctx := &cancelAfter{Context: f.ctx, n: 2}
	st, err := f.c.Purge(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, st.Done)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, withoutLOB, f.lobPages(), "a started record is purged completely")
	assert.Equal(t, 1, indexLen(t, f.t.Clustered))

	st = f.purge(t)
	assert.Equal(t, 1, st.Done)
	assert.Zero(t, st.Pending)
	assert.Zero(t, indexLen(t, f.t.Clustered))
	assert.Zero(t, f.env.TrxSys.History().PendingSegments())
}

func TestPurgeParksBrokenEntry(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "k1", randomBytes(5000, 12))
	f.deleteRow(t, 1)

	items := f.env.TrxSys.History().Fetch(f.env.TrxSys.OldestView().LowLimitNo(), 10)
	require.Len(t, items, 1)
	e := NewEntry(items[0])
	e.ModifierTrxID++
	f.c.Queue().Push(e)

	t.Run("损坏的条目挂起并保留undo段", func(t *testing.T) {
		st := f.purge(t)
		assert.Equal(t, 1, st.Skipped)
		assert.Equal(t, 1, st.Parked)
		assert.Zero(t, st.Pending)
		require.Len(t, f.c.Parked(), 1)
		assert.Equal(t, 1, f.env.TrxSys.History().PendingSegments())
		assert.Equal(t, 1, indexLen(t, f.t.Clustered), "the delete is not lost")
	})

	t.Run("修复后重新处理", func(t *testing.T) {
		e.ModifierTrxID = items[0].TrxID
		assert.Equal(t, 1, f.c.RequeueParked())
		assert.Empty(t, f.c.Parked())
		st := f.purge(t)
		assert.Equal(t, 1, st.Done)
		assert.Zero(t, indexLen(t, f.t.Clustered))
		assert.Zero(t, f.env.TrxSys.History().PendingSegments())
	})
}

func TestCoordinatorStop(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, "k1", []byte("small"))
	f.deleteRow(t, 1)

	done := make(chan struct{})
	go func() {
		f.c.Run(f.ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return f.env.TrxSys.History().PendingSegments() == 0
	}, time.Second, 5*time.Millisecond)

	f.c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	_, err := f.c.Purge(f.ctx)
	assert.Error(t, err)
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(&Entry{TableID: uint64(i)})
	}
	first := q.Drain(2)
	require.Len(t, first, 2)
	assert.EqualValues(t, 0, first[0].TableID)
	assert.EqualValues(t, 1, first[1].TableID)

	q.Push(first[0])
	rest := q.Drain(0)
	require.Len(t, rest, 4)
	assert.EqualValues(t, 2, rest[0].TableID)
	assert.EqualValues(t, 0, rest[3].TableID)
	assert.Zero(t, q.Len())
}
