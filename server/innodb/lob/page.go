/*
LOB页（FIL_PAGE_TYPE_BLOB / FIL_PAGE_TYPE_ZBLOB）

页面结构：
- File Header (38字节)
- LOB Header (12字节):
  - Part Length: 本页数据长度 (4字节)
  - Next Page:   下一页页号，FIL_NULL表示链尾 (4字节)
  - Codec:       压缩算法编号，未压缩为0 (1字节)
  - Reserved     (3字节)
- LOB Data: 本页数据
- File Trailer (8字节)

未压缩的LOB按原始字节连续存放；压缩的LOB存放一串独立可解压的块，
每块为 rawLen(4) compLen(4) 压缩数据，块流跨页连续存放。
*/

package lob

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
)

const (
	lobHeaderOffset = buffer_pool.FilHeaderSize
	lobPartLen      = lobHeaderOffset
	lobNextPage     = lobHeaderOffset + 4
	lobCodec        = lobHeaderOffset + 8
	lobHeaderSize   = 12
	lobDataOffset   = lobHeaderOffset + lobHeaderSize
)

// PageCapacity 每页可存放的LOB数据字节数
func PageCapacity(pageSize int) int {
	return pageSize - lobDataOffset - buffer_pool.FilTrailerSize
}

func initLOBPage(p *buffer_pool.Page, codec uint8) {
	p.PutUint32(lobPartLen, 0)
	p.PutUint32(lobNextPage, uint32(basic.FilNull))
	p.Data()[lobCodec] = codec
}

func partLen(p *buffer_pool.Page) int {
	return int(p.Uint32(lobPartLen))
}

func nextPage(p *buffer_pool.Page) basic.PageNo {
	return basic.PageNo(p.Uint32(lobNextPage))
}

func pageCodec(p *buffer_pool.Page) uint8 {
	return p.Data()[lobCodec]
}

// checkLOBPage 校验页类型与本页长度
func checkLOBPage(p *buffer_pool.Page) error {
	switch p.Type() {
	case buffer_pool.PageTypeBlob, buffer_pool.PageTypeZBlob:
	default:
		return errors.Wrapf(basic.ErrCorruption, "page %s has type %s in a lob chain", p.ID(), p.Type())
	}
	if n := partLen(p); n > PageCapacity(p.Size()) {
		return errors.Wrapf(basic.ErrCorruption, "page %s part length %d exceeds capacity", p.ID(), n)
	}
	return nil
}

func payload(p *buffer_pool.Page) []byte {
	return p.Data()[lobDataOffset : lobDataOffset+partLen(p)]
}
