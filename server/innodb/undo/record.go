package undo

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

// Type undo记录类型，取值与InnoDB一致
type Type uint8

const (
	TypeInsert   Type = 11
	TypeUpdExist Type = 12
	TypeUpdDel   Type = 13
	TypeDelMark  Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeUpdExist:
		return "UPD_EXIST"
	case TypeUpdDel:
		return "UPD_DEL"
	case TypeDelMark:
		return "DEL_MARK"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

const (
	flagExternChanged = 1 << iota
	flagOldDeleteMarked
)

const (
	fieldNull = 1 << iota
	fieldExtern
)

// FieldUpdate 更新向量中的一项：字段的旧值
type FieldUpdate struct {
	FieldNo int
	Old     record.Field
	// LOBDelta 原地修改LOB时被覆盖的旧字节，此时Old是未变化的引用
	LOBDelta []record.Patch
	// RefOffset Old为外部引用时引用在undo页内的绝对偏移，读取时填写
	RefOffset int
}

// IndexedField 出现在某个二级索引中的列的旧值
type IndexedField struct {
	FieldNo int
	Old     record.Field
}

// Record 一条undo记录
type Record struct {
	Type            Type
	ExternChanged   bool
	OldDeleteMarked bool
	UndoNo          uint64
	TableID         uint64
	TrxID           basic.TrxID
	OldTrxID        basic.TrxID
	OldRollPtr      basic.RollPtr
	Key             []record.Field
	Updates         []FieldUpdate
	Indexed         []IndexedField

	// Ptr 记录自身的位置，读取时填写
	Ptr basic.RollPtr
}

// Update 字段号对应的更新项
func (r *Record) Update(fieldNo int) (*FieldUpdate, bool) {
	for i := range r.Updates {
		if r.Updates[i].FieldNo == fieldNo {
			return &r.Updates[i], true
		}
	}
	return nil, false
}

func (r *Record) String() string {
	return fmt.Sprintf("undo(%s table=%d trx=%d no=%d upd=%d at %s)",
		r.Type, r.TableID, r.TrxID, r.UndoNo, len(r.Updates), r.Ptr)
}

// Encode 序列化
func (r *Record) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = util.WriteByte(buf, byte(r.Type))
	var flags byte
	if r.ExternChanged {
		flags |= flagExternChanged
	}
	if r.OldDeleteMarked {
		flags |= flagOldDeleteMarked
	}
	buf = util.WriteByte(buf, flags)
	buf = util.WriteUvarint(buf, r.UndoNo)
	buf = util.WriteUvarint(buf, r.TableID)
	buf = util.WriteUB8(buf, uint64(r.TrxID))
	buf = util.WriteUB8(buf, uint64(r.OldTrxID))
	buf = util.WriteUB8(buf, uint64(r.OldRollPtr))

	buf = util.WriteUvarint(buf, uint64(len(r.Key)))
	for _, f := range r.Key {
		buf = writeField(buf, f)
	}
	buf = util.WriteUvarint(buf, uint64(len(r.Updates)))
	for _, u := range r.Updates {
		buf = util.WriteUvarint(buf, uint64(u.FieldNo))
		buf = writeField(buf, u.Old)
		buf = util.WriteUvarint(buf, uint64(len(u.LOBDelta)))
		for _, p := range u.LOBDelta {
			buf = util.WriteUvarint(buf, uint64(p.Offset))
			buf = util.WriteLenBytes(buf, p.Data)
		}
	}
	buf = util.WriteUvarint(buf, uint64(len(r.Indexed)))
	for _, f := range r.Indexed {
		buf = util.WriteUvarint(buf, uint64(f.FieldNo))
		buf = writeField(buf, f.Old)
	}
	return buf
}

func writeField(buf []byte, f record.Field) []byte {
	var flags byte
	if f.Null {
		flags |= fieldNull
	}
	if f.Extern {
		flags |= fieldExtern
	}
	buf = util.WriteByte(buf, flags)
	if f.Null {
		return buf
	}
	return util.WriteLenBytes(buf, f.Data)
}

// Decode 反序列化。base是b[0]在页内的偏移，用来计算外部引用的RefOffset。
// 返回的记录不引用b。
func Decode(b []byte, base int) (*Record, error) {
	d := decoder{b: b}
	r := &Record{}
	r.Type = Type(d.u8())
	flags := d.u8()
	r.ExternChanged = flags&flagExternChanged != 0
	r.OldDeleteMarked = flags&flagOldDeleteMarked != 0
	r.UndoNo = d.uvarint()
	r.TableID = d.uvarint()
	r.TrxID = basic.TrxID(d.ub8())
	r.OldTrxID = basic.TrxID(d.ub8())
	r.OldRollPtr = basic.RollPtr(d.ub8())

	if n := d.count(); n > 0 {
		r.Key = make([]record.Field, n)
		for i := range r.Key {
			r.Key[i], _ = d.field()
		}
	}
	if n := d.count(); n > 0 {
		r.Updates = make([]FieldUpdate, n)
		for i := range r.Updates {
			u := &r.Updates[i]
			u.FieldNo = int(d.uvarint())
			var at int
			u.Old, at = d.field()
			if u.Old.Extern {
				u.RefOffset = base + at
			}
			if m := d.count(); m > 0 {
				u.LOBDelta = make([]record.Patch, m)
				for j := range u.LOBDelta {
					u.LOBDelta[j].Offset = int(d.uvarint())
					u.LOBDelta[j].Data = d.bytes()
				}
			}
		}
	}
	if n := d.count(); n > 0 {
		r.Indexed = make([]IndexedField, n)
		for i := range r.Indexed {
			r.Indexed[i].FieldNo = int(d.uvarint())
			r.Indexed[i].Old, _ = d.field()
		}
	}
	if d.err != nil {
		return nil, errors.Wrapf(basic.ErrCorruption, "decode undo record: %v", d.err)
	}
	switch r.Type {
	case TypeInsert, TypeUpdExist, TypeUpdDel, TypeDelMark:
	default:
		return nil, errors.Wrapf(basic.ErrCorruption, "unknown undo record type %d", uint8(r.Type))
	}
	return r, nil
}

// decoder 记住第一个错误，之后的读取都返回零值
type decoder struct {
	b   []byte
	pos int
	err error
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	var v byte
	d.pos, v, d.err = util.ReadByte(d.b, d.pos)
	return v
}

func (d *decoder) ub8() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	d.pos, v, d.err = util.ReadUB8(d.b, d.pos)
	return v
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	d.pos, v, d.err = util.ReadUvarint(d.b, d.pos)
	return v
}

// count 元素个数，不可能超过剩余字节数
func (d *decoder) count() int {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.b)-d.pos) {
		d.err = util.ErrShortBuffer
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	var v []byte
	d.pos, v, d.err = util.ReadLenBytes(d.b, d.pos)
	return append([]byte(nil), v...)
}

// field 返回字段以及数据部分在b中的偏移
func (d *decoder) field() (record.Field, int) {
	flags := d.u8()
	if flags&fieldNull != 0 {
		return record.NullField(), 0
	}
	data := d.bytes()
	return record.Field{Data: data, Extern: flags&fieldExtern != 0}, d.pos - len(data)
}
