package basic

import "fmt"

// RollPtr 回滚指针，定位一条undo记录
//
//	bit 55     insert标记
//	bit 48..54 回滚段号
//	bit 16..47 undo页号
//	bit 0..15  页内偏移
type RollPtr uint64

const (
	rollPtrInsertBit = 55
	rollPtrSegShift  = 48
	rollPtrPageShift = 16
	rollPtrSegMask   = 0x7F
)

// NewRollPtr 构造回滚指针
func NewRollPtr(insert bool, seg uint8, page PageNo, offset uint16) RollPtr {
	p := RollPtr(seg&rollPtrSegMask)<<rollPtrSegShift |
		RollPtr(page)<<rollPtrPageShift |
		RollPtr(offset)
	if insert {
		p |= 1 << rollPtrInsertBit
	}
	return p
}

func (p RollPtr) IsNull() bool {
	return p == 0
}

// IsInsert insert undo不保存旧版本，版本链到此结束
func (p RollPtr) IsInsert() bool {
	return p&(1<<rollPtrInsertBit) != 0
}

func (p RollPtr) Segment() uint8 {
	return uint8(p>>rollPtrSegShift) & rollPtrSegMask
}

func (p RollPtr) Page() PageNo {
	return PageNo(p >> rollPtrPageShift)
}

func (p RollPtr) Offset() uint16 {
	return uint16(p)
}

func (p RollPtr) String() string {
	if p.IsNull() {
		return "null"
	}
	return fmt.Sprintf("(insert=%v seg=%d page=%d off=%d)", p.IsInsert(), p.Segment(), p.Page(), p.Offset())
}
