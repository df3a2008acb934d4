package buffer_pool

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// 文件头布局，与InnoDB的FIL头保持一致
const (
	FilPageSpaceOrChksum = 0
	FilPageOffset        = 4
	FilPagePrev          = 8
	FilPageNext          = 12
	FilPageLSN           = 16
	FilPageType          = 24
	FilPageFileFlushLSN  = 26
	FilPageSpaceID       = 34
	FilHeaderSize        = 38
	FilTrailerSize       = 8
)

// PageType 页类型
type PageType uint16

const (
	PageTypeAllocated PageType = 0
	PageTypeUndoLog   PageType = 2
	PageTypeBlob      PageType = 10
	PageTypeZBlob     PageType = 11
	PageTypeIndex     PageType = 17855
)

func (t PageType) String() string {
	switch t {
	case PageTypeAllocated:
		return "ALLOCATED"
	case PageTypeUndoLog:
		return "UNDO_LOG"
	case PageTypeBlob:
		return "BLOB"
	case PageTypeZBlob:
		return "ZBLOB"
	case PageTypeIndex:
		return "INDEX"
	}
	return "UNKNOWN"
}

// Page 缓冲池中的一个页帧
type Page struct {
	id    basic.PageID
	latch *latch.Latch
	data  []byte
	freed atomic.Bool
}

func newPage(id basic.PageID, size int, typ PageType) *Page {
	p := &Page{
		id:    id,
		latch: latch.NewLatch(),
		data:  make([]byte, size),
	}
	binary.BigEndian.PutUint32(p.data[FilPageOffset:], uint32(id.Page))
	binary.BigEndian.PutUint32(p.data[FilPagePrev:], uint32(basic.FilNull))
	binary.BigEndian.PutUint32(p.data[FilPageNext:], uint32(basic.FilNull))
	binary.BigEndian.PutUint16(p.data[FilPageType:], uint16(typ))
	binary.BigEndian.PutUint32(p.data[FilPageSpaceID:], uint32(id.Space))
	return p
}

func (p *Page) ID() basic.PageID {
	return p.id
}

func (p *Page) PageNo() basic.PageNo {
	return p.id.Page
}

// Latch 页闩锁，通过Mtr获取
func (p *Page) Latch() *latch.Latch {
	return p.latch
}

func (p *Page) Type() PageType {
	return PageType(binary.BigEndian.Uint16(p.data[FilPageType:]))
}

func (p *Page) LSN() uint64 {
	return binary.BigEndian.Uint64(p.data[FilPageLSN:])
}

// Data 整页内容，修改前必须持有X闩锁
func (p *Page) Data() []byte {
	return p.data
}

func (p *Page) Size() int {
	return len(p.data)
}

func (p *Page) IsFreed() bool {
	return p.freed.Load()
}

func (p *Page) Uint32(off int) uint32 {
	return binary.BigEndian.Uint32(p.data[off:])
}

func (p *Page) Uint16(off int) uint16 {
	return binary.BigEndian.Uint16(p.data[off:])
}

func (p *Page) PutUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(p.data[off:], v)
}

func (p *Page) PutUint16(off int, v uint16) {
	binary.BigEndian.PutUint16(p.data[off:], v)
}

// seal 写入LSN并重新计算校验和
func (p *Page) seal(lsn uint64) {
	binary.BigEndian.PutUint64(p.data[FilPageLSN:], lsn)
	binary.BigEndian.PutUint32(p.data[FilPageSpaceOrChksum:], checksum(p.data))
}

func (p *Page) verify() bool {
	return binary.BigEndian.Uint32(p.data[FilPageSpaceOrChksum:]) == checksum(p.data)
}

func checksum(data []byte) uint32 {
	return xxhash.Checksum32(data[FilPageOffset:])
}
