package row

import (
	"context"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// Column 返回给上层的一列
type Column struct {
	Name  string
	Value []byte
	Null  bool
	// Absent 该列无法读出：不在覆盖索引里，或者强制恢复模式下LOB已损坏
	Absent bool
	// NotReady LOB正在被写入，只在读已提交及以上的隔离级别出现，读未提交直接读出已写的部分
	NotReady bool
}

// Row 搜索返回的一行，列按表定义顺序排列
type Row struct {
	Table   *dict.Table
	Columns []Column
	// Rec 产生这一行的记录版本
	Rec *record.Record
}

// Value 按列名取值
func (r *Row) Value(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// RowFormatter 把记录转换成上层的行格式。调用时不持有任何闩锁。
type RowFormatter interface {
	Format(ctx context.Context, pb *Prebuilt, ix *dict.Index, rec *record.Record) (*Row, error)
}

// DefaultFormatter 读出所需列的完整值，外部列读取页链
type DefaultFormatter struct {
	env *Env
}

func NewDefaultFormatter(env *Env) *DefaultFormatter {
	return &DefaultFormatter{env: env}
}

// Format ix为rec所在的索引，二级索引只能给出它包含的列
func (f *DefaultFormatter) Format(ctx context.Context, pb *Prebuilt, ix *dict.Index, rec *record.Record) (*Row, error) {
	t := ix.Table
	row := &Row{Table: t, Columns: make([]Column, len(t.Columns)), Rec: rec}
	for col := range t.Columns {
		row.Columns[col].Name = t.Columns[col].Name
		if !pb.wants(col) {
			row.Columns[col].Absent = true
			continue
		}
		fieldNo := ix.FieldOf(col)
		if fieldNo < 0 {
			row.Columns[col].Absent = true
			continue
		}
		if rec.Fields[fieldNo].Null {
			row.Columns[col].Null = true
			continue
		}
		v, err := f.env.FetchColumn(ctx, rec, fieldNo, -1, pb.Trx.Isolation)
		switch {
		case err == nil:
			row.Columns[col].Value = v
		case basic.IsLOBNotReady(err):
			f.env.Monitor.Inc(monitor.LOBNotReady)
			row.Columns[col].NotReady = true
		case basic.IsCorruption(err) && f.env.ForceRecovery > 0:
			f.env.log.Warnf("column %s of %s is unreadable: %v", t.Columns[col].Name, t, err)
			f.env.Monitor.Inc(monitor.LOBCorruptAbsent)
			row.Columns[col].Absent = true
		default:
			return nil, err
		}
	}
	return row, nil
}
