package record

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// Status 记录类型
type Status uint8

const (
	StatusOrdinary Status = iota
	StatusInfimum
	StatusSupremum
)

// Field 记录中的一列。Extern为true时Data是16字节的LOB引用。
type Field struct {
	Data   []byte
	Extern bool
	Null   bool
}

// NewField 内联列
func NewField(data []byte) Field {
	return Field{Data: data}
}

// NullField SQL NULL
func NullField() Field {
	return Field{Null: true}
}

// ExternField 外部存储列，ref为编码后的LOB引用
func ExternField(ref []byte) Field {
	return Field{Data: ref, Extern: true}
}

func (f Field) Clone() Field {
	if f.Data != nil {
		f.Data = append([]byte(nil), f.Data...)
	}
	return f
}

// Equal 值相等，NULL只与NULL相等
func (f Field) Equal(o Field) bool {
	return f.Null == o.Null && f.Extern == o.Extern && bytes.Equal(f.Data, o.Data)
}

// Patch LOB上一段字节的旧值，用于重建历史版本
type Patch struct {
	Offset int
	Data   []byte
}

// Record 索引叶子中的一条记录。
// 记录放入叶子后不再原地修改，更新时整体替换为新的拷贝，
// 因此读者在释放闩锁后仍可安全使用已取得的记录指针。
type Record struct {
	Status       Status
	Fields       []Field
	TrxID        basic.TrxID
	RollPtr      basic.RollPtr
	DeleteMarked bool

	// Overlays 仅出现在重建出的历史版本上：字段号 -> 需要覆盖到当前LOB内容上的旧字节
	Overlays map[int][]Patch
}

// NewRecord 普通用户记录
func NewRecord(fields ...Field) *Record {
	return &Record{Status: StatusOrdinary, Fields: fields}
}

func (r *Record) IsUser() bool {
	return r.Status == StatusOrdinary
}

func (r *Record) IsInfimum() bool {
	return r.Status == StatusInfimum
}

func (r *Record) IsSupremum() bool {
	return r.Status == StatusSupremum
}

// Clone 深拷贝
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make([]Field, len(r.Fields))
	for i, f := range r.Fields {
		c.Fields[i] = f.Clone()
	}
	if r.Overlays != nil {
		c.Overlays = make(map[int][]Patch, len(r.Overlays))
		for k, ps := range r.Overlays {
			c.Overlays[k] = append([]Patch(nil), ps...)
		}
	}
	return &c
}

// Key 前n列组成的键
func (r *Record) Key(n int) Tuple {
	if n > len(r.Fields) {
		n = len(r.Fields)
	}
	return Tuple(r.Fields[:n])
}

// HasExtern 是否包含外部存储列
func (r *Record) HasExtern() bool {
	for _, f := range r.Fields {
		if f.Extern {
			return true
		}
	}
	return false
}

func (r *Record) String() string {
	switch r.Status {
	case StatusInfimum:
		return "infimum"
	case StatusSupremum:
		return "supremum"
	}
	parts := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		switch {
		case f.Null:
			parts[i] = "NULL"
		case f.Extern:
			parts[i] = fmt.Sprintf("extern(%x)", f.Data)
		default:
			parts[i] = fmt.Sprintf("%q", f.Data)
		}
	}
	return fmt.Sprintf("(%s) trx=%d roll=%s del=%v", strings.Join(parts, ","), r.TrxID, r.RollPtr, r.DeleteMarked)
}
