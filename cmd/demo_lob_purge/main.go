package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/zhukovaskychina/xmysql-rowengine/server/conf"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/engine"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/row"
)

const (
	colID = iota
	colTag
	colBody
)

func main() {
	fmt.Println("=== LOB与purge演示 ===")
	ctx := context.Background()

	config := conf.NewCfg()
	config.InnodbLOBCompression = "lz4"
	e, err := engine.NewXMySQLEngine(config)
	if err != nil {
		fmt.Printf("❌ 初始化引擎失败: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	t, err := e.CreateTable(dict.TableDef{
		Name:       "docs",
		Columns:    []dict.ColumnDef{{Name: "id"}, {Name: "tag"}, {Name: "body", LOB: true}},
		PrimaryKey: []string{"id"},
		Indexes:    []dict.IndexDef{{Name: "idx_tag", Columns: []string{"tag"}}},
	})
	check(err)

	fmt.Println("\n1. 插入10MB的LOB并读回...")
	big := make([]byte, 10<<20)
	rand.New(rand.NewSource(1)).Read(big)
	w := e.Begin()
	check(e.Env.Insert(ctx, w, t, fields("doc1", "a", big)))
	check(e.Env.Commit(w))
	r := e.Begin()
	fmt.Printf("   字节一致: %v, 占用页数: %d\n", bytes.Equal(get(ctx, e, r, "doc1").Columns[colBody].Value, big), e.BufferPool.UsedPages(t.Space))
	check(e.Env.Commit(r))

	fmt.Println("\n2. 快照读看到更新前的LOB...")
	snap := e.Env.Begin(basic.RepeatableRead)
	before := get(ctx, e, snap, "doc1").Columns[colBody].Value
	w = e.Begin()
	check(e.Env.Update(ctx, w, t, pk("doc1"), []row.Change{{Col: colBody, Value: record.NewField(bytes.Repeat([]byte("new "), 50000))}}))
	check(e.Env.Commit(w))
	after := get(ctx, e, snap, "doc1").Columns[colBody].Value
	fmt.Printf("   快照仍读到旧值: %v\n", bytes.Equal(before, after) && bytes.Equal(after, big))
	check(e.Env.Commit(snap))

	fmt.Println("\n3. 删除后purge释放LOB页...")
	w = e.Begin()
	check(e.Env.DeleteMark(ctx, w, t, pk("doc1")))
	check(e.Env.Commit(w))
	used := e.BufferPool.UsedPages(t.Space)
	st, err := e.Purge.Purge(ctx)
	check(err)
	fmt.Printf("   第一次: 处理%d条, 页数 %d -> %d\n", st.Processed, used, e.BufferPool.UsedPages(t.Space))
	st, err = e.Purge.Purge(ctx)
	check(err)
	fmt.Printf("   第二次: 处理%d条\n", st.Processed)

	fmt.Println("\n4. 按二级索引扫描，已purge的行不再出现...")
	w = e.Begin()
	check(e.Env.Insert(ctx, w, t, fields("doc2", "b", []byte("short"))))
	check(e.Env.Commit(w))
	r = e.Begin()
	pb := e.NewPrebuilt(r, t.IndexByName("idx_tag"))
	fmt.Printf("   按tag扫描得到%d行\n", count(ctx, e, pb))
	check(e.Env.Commit(r))

	fmt.Println("\n5. LOB写入期间的读取...")
	w = e.Begin()
	u, err := e.Env.BeginLOBUpdate(ctx, w, t, pk("doc2"), colBody)
	check(err)
	next := bytes.Repeat([]byte("stream"), 20000)
	_, err = u.Write(next[:60000])
	check(err)

	ru := e.Env.Begin(basic.ReadUncommitted)
	partial := get(ctx, e, ru, "doc2").Columns[colBody]
	fmt.Printf("   读未提交读到 %d 字节, 未就绪=%v\n", len(partial.Value), partial.NotReady)
	check(e.Env.Commit(ru))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, err := u.Write(next[60000:])
		check(err)
		check(u.Finish())
		check(e.Env.Commit(w))
	}()
	locker := e.Env.Begin(basic.RepeatableRead)
	pb = e.NewPrebuilt(locker, t.Clustered)
	pb.SearchTuple = pk("doc2")
	pb.MatchPrefix = true
	pb.SelectLock = row.LockShared
	start := time.Now()
	n := count(ctx, e, pb)
	fmt.Printf("   加锁读等待 %v 后读到 %d 行\n", time.Since(start).Round(10*time.Millisecond), n)
	check(e.Env.Commit(locker))

	fmt.Println("\n=== 演示完成 ===")
}

func pk(id string) record.Tuple {
	return record.NewTuple([]byte(id))
}

func fields(id, tag string, body []byte) []record.Field {
	return []record.Field{record.NewField([]byte(id)), record.NewField([]byte(tag)), record.NewField(body)}
}

func get(ctx context.Context, e *engine.XMySQLEngine, trx *mvcc.Trx, id string) *row.Row {
	t, err := e.Dict.TableByName("docs")
	check(err)
	pb := e.NewPrebuilt(trx, t.Clustered)
	pb.SearchTuple = pk(id)
	pb.MatchPrefix = true
	e.Searcher.Open(pb)
	defer e.Searcher.Close(pb)
	st, r, err := e.Searcher.Next(ctx, pb)
	check(err)
	if st != row.RowFound {
		return nil
	}
	return r
}

func count(ctx context.Context, e *engine.XMySQLEngine, pb *row.Prebuilt) int {
	e.Searcher.Open(pb)
	defer e.Searcher.Close(pb)
	n := 0
	for {
		st, _, err := e.Searcher.Next(ctx, pb)
		check(err)
		if st != row.RowFound {
			return n
		}
		n++
	}
}

func check(err error) {
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}
