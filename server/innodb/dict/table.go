package dict

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// DefaultExternThreshold LOB列超过该长度时存到页链上
const DefaultExternThreshold = 768

// Column 列定义
type Column struct {
	Name string
	Pos  int  // 在表中的位置
	LOB  bool // 可以外部存储
}

// Index 索引定义。聚簇索引的列为主键列加上其余全部列；
// 二级索引的列为索引列加上尚未包含的主键列。
type Index struct {
	ID        uint64
	Name      string
	Table     *Table
	Clustered bool
	Cols      []int // 每个索引字段对应的表列位置
	NUnique   int
	Tree      *btree.Index
}

// Table 表定义
type Table struct {
	ID              uint64
	Name            string
	Space           basic.SpaceID
	Columns         []Column
	PK              []int
	ExternThreshold int
	Clustered       *Index
	Secondary       []*Index

	dropped atomic.Bool
}

// NCols 列数
func (t *Table) NCols() int {
	return len(t.Columns)
}

// Dropped 表已被删除
func (t *Table) Dropped() bool {
	return t.dropped.Load()
}

// IsExternCandidate 列值是否应外部存储
func (t *Table) IsExternCandidate(col int, value []byte) bool {
	return t.Columns[col].LOB && len(value) > t.ExternThreshold
}

// IndexByID 按ID查找表上的索引
func (t *Table) IndexByID(id uint64) *Index {
	if t.Clustered != nil && t.Clustered.ID == id {
		return t.Clustered
	}
	for _, ix := range t.Secondary {
		if ix.ID == id {
			return ix
		}
	}
	return nil
}

// IndexByName 按名字查找表上的索引
func (t *Table) IndexByName(name string) *Index {
	if t.Clustered != nil && t.Clustered.Name == name {
		return t.Clustered
	}
	for _, ix := range t.Secondary {
		if ix.Name == name {
			return ix
		}
	}
	return nil
}

// RowOf 聚簇记录按表列顺序排列的字段
func (t *Table) RowOf(rec *record.Record) []record.Field {
	row := make([]record.Field, len(t.Columns))
	for i, col := range t.Clustered.Cols {
		row[col] = rec.Fields[i]
	}
	return row
}

// PKOfRow 行的主键
func (t *Table) PKOfRow(row []record.Field) record.Tuple {
	key := make(record.Tuple, len(t.PK))
	for i, col := range t.PK {
		key[i] = row[col]
	}
	return key
}

func (t *Table) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}

// FieldOf 表列col在索引中的字段号，不存在时返回-1
func (ix *Index) FieldOf(col int) int {
	for i, c := range ix.Cols {
		if c == col {
			return i
		}
	}
	return -1
}

// BuildEntry 从按表列排列的行构造索引记录
func (ix *Index) BuildEntry(row []record.Field) *record.Record {
	fields := make([]record.Field, len(ix.Cols))
	for i, col := range ix.Cols {
		fields[i] = row[col]
	}
	return record.NewRecord(fields...)
}

// BuildSecondaryEntry 从聚簇记录构造本索引的记录
func (ix *Index) BuildSecondaryEntry(clust *record.Record) *record.Record {
	return ix.BuildEntry(ix.Table.RowOf(clust))
}

// PKOf 从本索引的记录中取出主键
func (ix *Index) PKOf(rec *record.Record) record.Tuple {
	if ix.Clustered {
		return rec.Key(ix.NUnique)
	}
	t := ix.Table
	key := make(record.Tuple, len(t.PK))
	for i, col := range t.PK {
		key[i] = rec.Fields[ix.FieldOf(col)]
	}
	return key
}

// Key 记录在本索引上的唯一键
func (ix *Index) Key(rec *record.Record) record.Tuple {
	return rec.Key(ix.NUnique)
}

// EntryMatches 二级索引记录与聚簇记录（某个版本）的对应列是否相同
func (ix *Index) EntryMatches(entry, clust *record.Record) bool {
	for i, col := range ix.Cols {
		if !entry.Fields[i].Equal(clust.Fields[ix.Table.Clustered.FieldOf(col)]) {
			return false
		}
	}
	return true
}

func (ix *Index) String() string {
	return fmt.Sprintf("%s.%s", ix.Table.Name, ix.Name)
}
