package lob

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// RefSize 外部存储引用的长度
const RefSize = 16

const (
	refSpaceID = 0
	refPageNo  = 4
	refOffset  = 8
	refLength  = 12
)

// LenFlags 引用最后4字节：高3位是标记，低29位是长度
type LenFlags uint32

const (
	FlagOwner         LenFlags = 1 << 31
	FlagInherited     LenFlags = 1 << 30
	FlagBeingModified LenFlags = 1 << 29

	lengthMask = LenFlags(1<<29 - 1)
)

// MaxLength 单个LOB的最大字节数
const MaxLength = int(lengthMask)

func (f LenFlags) Has(flag LenFlags) bool {
	return f&flag != 0
}

func (f LenFlags) Set(flag LenFlags, on bool) LenFlags {
	if on {
		return f | flag
	}
	return f &^ flag
}

func (f LenFlags) Length() int {
	return int(f & lengthMask)
}

func (f LenFlags) WithLength(n int) LenFlags {
	return f&^lengthMask | LenFlags(n)&lengthMask
}

// Ref 聚簇记录中指向LOB页链的引用
type Ref struct {
	Space  basic.SpaceID
	Page   basic.PageNo
	Offset uint32 // 首页中LOB头的偏移
	Flags  LenFlags
}

// Decode 解析16字节引用
func Decode(b []byte) (Ref, error) {
	if len(b) < RefSize {
		return Ref{}, errors.Wrapf(basic.ErrInvalidArgument, "lob ref needs %d bytes, got %d", RefSize, len(b))
	}
	return Ref{
		Space:  basic.SpaceID(binary.BigEndian.Uint32(b[refSpaceID:])),
		Page:   basic.PageNo(binary.BigEndian.Uint32(b[refPageNo:])),
		Offset: binary.BigEndian.Uint32(b[refOffset:]),
		Flags:  LenFlags(binary.BigEndian.Uint32(b[refLength:])),
	}, nil
}

// EncodeTo 写入b的前16字节
func (r Ref) EncodeTo(b []byte) {
	binary.BigEndian.PutUint32(b[refSpaceID:], uint32(r.Space))
	binary.BigEndian.PutUint32(b[refPageNo:], uint32(r.Page))
	binary.BigEndian.PutUint32(b[refOffset:], r.Offset)
	binary.BigEndian.PutUint32(b[refLength:], uint32(r.Flags))
}

func (r Ref) Encode() []byte {
	b := make([]byte, RefSize)
	r.EncodeTo(b)
	return b
}

// IsNull 全零引用
func (r Ref) IsNull() bool {
	return r == Ref{}
}

// IsFreed 页链已经被释放
func (r Ref) IsFreed() bool {
	return !r.IsNull() && r.Page == basic.FilNull
}

func (r Ref) IsOwner() bool {
	return r.Flags.Has(FlagOwner)
}

func (r Ref) IsInherited() bool {
	return r.Flags.Has(FlagInherited)
}

func (r Ref) IsBeingModified() bool {
	return r.Flags.Has(FlagBeingModified)
}

func (r Ref) Length() int {
	return r.Flags.Length()
}

func (r Ref) SetOwner(on bool) Ref {
	r.Flags = r.Flags.Set(FlagOwner, on)
	return r
}

func (r Ref) SetInherited(on bool) Ref {
	r.Flags = r.Flags.Set(FlagInherited, on)
	return r
}

func (r Ref) SetBeingModified(on bool) Ref {
	r.Flags = r.Flags.Set(FlagBeingModified, on)
	return r
}

// SameChain 两个引用指向同一条页链
func (r Ref) SameChain(o Ref) bool {
	return !r.IsFreed() && r.Space == o.Space && r.Page == o.Page
}

func (r Ref) FirstPage() basic.PageID {
	return basic.NewPageID(r.Space, r.Page)
}

func (r Ref) String() string {
	if r.IsNull() {
		return "lob(null)"
	}
	return fmt.Sprintf("lob(%d:%d len=%d owner=%v inherited=%v modifying=%v)",
		r.Space, r.Page, r.Length(), r.IsOwner(), r.IsInherited(), r.IsBeingModified())
}

// RefField 可原地修改的引用位置
type RefField interface {
	Ref() (Ref, error)
	// SetRef 修改引用，调用方必须在mtr中持有所在页的X闩锁
	SetRef(mtr *latch.Mtr, r Ref) error
}

// PageRefField 位于某个页内固定偏移处的引用，例如undo页中的旧值
type PageRefField struct {
	page *buffer_pool.Page
	off  int
}

func NewPageRefField(page *buffer_pool.Page, off int) *PageRefField {
	return &PageRefField{page: page, off: off}
}

func (f *PageRefField) Ref() (Ref, error) {
	if f.off < 0 || f.off+RefSize > f.page.Size() {
		return Ref{}, errors.Wrapf(basic.ErrCorruption, "lob ref offset %d outside page %s", f.off, f.page.ID())
	}
	return Decode(f.page.Data()[f.off:])
}

func (f *PageRefField) SetRef(mtr *latch.Mtr, r Ref) error {
	if !mtr.Holds(f.page.ID(), latch.X) {
		return errors.Wrapf(basic.ErrInvalidArgument, "modify lob ref on page %s without X latch", f.page.ID())
	}
	r.EncodeTo(f.page.Data()[f.off:])
	return nil
}
