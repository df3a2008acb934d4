package row

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

const (
	colID = iota
	colK
	colBody
)

type fixture struct {
	ctx context.Context
	bp  *buffer_pool.BufferPool
	env *Env
	s   *Searcher
	t   *dict.Table
}

// newFixture 表docs(id, k, body)，主键id，二级索引idx_k(k)，body超过64字节时外部存储
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
	env := NewEnv(Options{
		BP:              bp,
		Dict:            d,
		TrxSys:          ts,
		Locks:           lock.NewSys(time.Second),
		Writer:          lob.NewWriter(bp, nil, 0),
		Monitor:         monitor.New(),
		LockWaitTimeout: time.Second,
	})
	return &fixture{ctx: context.Background(), bp: bp, env: env, s: NewSearcher(env, nil), t: tbl}
}

func idKey(id int) []byte {
	return []byte(fmt.Sprintf("r%03d", id))
}

func pk(id int) record.Tuple {
	return record.NewTuple(idKey(id))
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func (f *fixture) insert(t *testing.T, trx *mvcc.Trx, id int, k string, body []byte) {
	row := []record.Field{record.NewField(idKey(id)), record.NewField([]byte(k)), record.NewField(body)}
	require.NoError(t, f.env.Insert(f.ctx, trx, f.t, row))
}

// load 提交n行，第i行的k为k(i%3)
func (f *fixture) load(t *testing.T, n int) {
	trx := f.env.Begin(basic.RepeatableRead)
	for i := 0; i < n; i++ {
		f.insert(t, trx, i, fmt.Sprintf("k%d", i%3), []byte("small"))
	}
	require.NoError(t, f.env.Commit(trx))
}

func (f *fixture) setK(t *testing.T, trx *mvcc.Trx, id int, k string) {
	require.NoError(t, f.env.Update(f.ctx, trx, f.t, pk(id), []Change{{Col: colK, Value: record.NewField([]byte(k))}}))
}

// rows 读完pb，按id返回
func (f *fixture) rows(t *testing.T, pb *Prebuilt) map[string]*Row {
	out := make(map[string]*Row)
	for _, r := range f.scan(t, pb) {
		id := string(r.Columns[colID].Value)
		_, dup := out[id]
		require.False(t, dup, "row %s returned twice", id)
		out[id] = r
	}
	return out
}

func (f *fixture) scan(t *testing.T, pb *Prebuilt) []*Row {
	f.s.Open(pb)
	var out []*Row
	for {
		st, row, err := f.s.Next(f.ctx, pb)
		require.NoError(t, err)
		if st == TableExhausted {
			return out
		}
		require.Equal(t, RowFound, st)
		out = append(out, row)
	}
}

func ids(rows []*Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Columns[colID].Value)
	}
	return out
}

func idList(ns ...int) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = string(idKey(n))
	}
	return out
}

// get 按主键读取一行，不存在时返回nil
func (f *fixture) get(t *testing.T, trx *mvcc.Trx, id int) *Row {
	pb := NewPrebuilt(trx, f.t.Clustered)
	pb.SearchTuple = pk(id)
	pb.MatchPrefix = true
	rows := f.scan(t, pb)
	require.LessOrEqual(t, len(rows), 1)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (f *fixture) byK(trx *mvcc.Trx, k string) *Prebuilt {
	pb := NewPrebuilt(trx, f.t.Secondary[0])
	pb.SearchTuple = record.NewTuple([]byte(k))
	pb.MatchPrefix = true
	return pb
}
