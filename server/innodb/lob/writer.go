package lob

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// DefaultChunkSize 压缩LOB的默认块大小
const DefaultChunkSize = 64 * 1024

const chunkHeaderSize = 8

// Writer 将LOB写入页链
type Writer struct {
	bp        *buffer_pool.BufferPool
	codec     Codec
	chunkSize int
	log       *logrus.Entry
}

// NewWriter codec为nil时写未压缩页链
func NewWriter(bp *buffer_pool.BufferPool, codec Codec, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{bp: bp, codec: codec, chunkSize: chunkSize, log: logger.WithComponent("lob")}
}

func (w *Writer) Compressed() bool {
	return w.codec != nil
}

// Write 一次性写入完整LOB，返回的引用为owner且不带being-modified标记
func (w *Writer) Write(ctx context.Context, space basic.SpaceID, data []byte) (Ref, error) {
	ic, err := w.Begin(space)
	if err != nil {
		return Ref{}, err
	}
	for off := 0; off < len(data); {
		if err := ctx.Err(); err != nil {
			ic.Abort()
			return Ref{}, errors.Wrap(basic.ErrInterrupted, err.Error())
		}
		end := off + w.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := ic.Write(data[off:end]); err != nil {
			ic.Abort()
			return Ref{}, err
		}
		off = end
	}
	ref, err := ic.Close()
	if err != nil {
		ic.Abort()
		return Ref{}, err
	}
	return ref, nil
}

// Begin 分配首页并返回写入上下文。写入完成前引用带being-modified标记。
func (w *Writer) Begin(space basic.SpaceID) (*InsertContext, error) {
	typ, codec := buffer_pool.PageTypeBlob, CodecNone
	if w.codec != nil {
		typ, codec = buffer_pool.PageTypeZBlob, w.codec.ID()
	}
	mtr := latch.NewMtr()
	p, err := w.bp.Allocate(mtr, space, typ)
	if err != nil {
		mtr.Commit()
		return nil, err
	}
	initLOBPage(p, codec)
	mtr.Commit()

	return &InsertContext{
		w:       w,
		space:   space,
		typ:     typ,
		codecID: codec,
		first:   p.PageNo(),
		last:    p.PageNo(),
		pages:   1,
	}, nil
}

// InsertContext 一个LOB的写入过程，实现io.Writer
type InsertContext struct {
	w       *Writer
	space   basic.SpaceID
	typ     buffer_pool.PageType
	codecID uint8

	first   basic.PageNo
	last    basic.PageNo
	lastLen int
	pages   int

	length  int    // 已经落到页链上的原始字节数
	pending []byte // 压缩模式下尚未成块的原始字节
	closed  bool
}

// Ref 当前可见的引用，长度只覆盖已完整写入页链的部分
func (ic *InsertContext) Ref() Ref {
	r := Ref{
		Space:  ic.space,
		Page:   ic.first,
		Offset: lobHeaderOffset,
		Flags:  FlagOwner.WithLength(ic.length),
	}
	return r.SetBeingModified(!ic.closed)
}

func (ic *InsertContext) Pages() int {
	return ic.pages
}

func (ic *InsertContext) Write(p []byte) (int, error) {
	if ic.closed {
		return 0, errors.Wrap(basic.ErrInvalidArgument, "write to closed lob")
	}
	if ic.length+len(ic.pending)+len(p) > MaxLength {
		return 0, errors.Wrapf(basic.ErrInvalidArgument, "lob exceeds %d bytes", MaxLength)
	}
	if ic.w.codec == nil {
		if err := ic.appendStream(p); err != nil {
			return 0, err
		}
		ic.length += len(p)
		return len(p), nil
	}

	ic.pending = append(ic.pending, p...)
	for len(ic.pending) >= ic.w.chunkSize {
		if err := ic.flushChunk(ic.pending[:ic.w.chunkSize]); err != nil {
			return 0, err
		}
		ic.pending = ic.pending[ic.w.chunkSize:]
	}
	return len(p), nil
}

func (ic *InsertContext) flushChunk(raw []byte) error {
	comp, err := ic.w.codec.Compress(raw)
	if err != nil {
		return errors.Wrapf(err, "compress lob chunk with %s", ic.w.codec.Name())
	}
	hdr := make([]byte, chunkHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(raw)))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(comp)))
	if err := ic.appendStream(hdr); err != nil {
		return err
	}
	if err := ic.appendStream(comp); err != nil {
		return err
	}
	ic.length += len(raw)
	return nil
}

// appendStream 将字节流追加到页链末尾，每页一个mtr
func (ic *InsertContext) appendStream(b []byte) error {
	bp := ic.w.bp
	capacity := PageCapacity(bp.PageSize())
	for len(b) > 0 {
		mtr := latch.NewMtr()
		page, err := bp.GetPage(mtr, basic.NewPageID(ic.space, ic.last), latch.X)
		if err != nil {
			mtr.Commit()
			return err
		}
		if ic.lastLen == capacity {
			np, err := bp.Allocate(mtr, ic.space, ic.typ)
			if err != nil {
				mtr.Commit()
				return err
			}
			initLOBPage(np, ic.codecID)
			page.PutUint32(lobNextPage, uint32(np.PageNo()))
			page = np
			ic.last, ic.lastLen = np.PageNo(), 0
			ic.pages++
		}
		n := copy(page.Data()[lobDataOffset+ic.lastLen:lobDataOffset+capacity], b)
		ic.lastLen += n
		page.PutUint32(lobPartLen, uint32(ic.lastLen))
		mtr.Commit()
		b = b[n:]
	}
	return nil
}

// Close 写出剩余块并清除being-modified标记
func (ic *InsertContext) Close() (Ref, error) {
	if ic.closed {
		return ic.Ref(), nil
	}
	if len(ic.pending) > 0 {
		if err := ic.flushChunk(ic.pending); err != nil {
			return Ref{}, err
		}
		ic.pending = nil
	}
	ic.closed = true
	return ic.Ref(), nil
}

// Abort 释放已分配的页链，用于写入失败
func (ic *InsertContext) Abort() {
	page := ic.first
	for page != basic.FilNull {
		mtr := latch.NewMtr()
		p, err := ic.w.bp.GetPage(mtr, basic.NewPageID(ic.space, page), latch.X)
		if err != nil {
			mtr.Commit()
			ic.w.log.WithError(err).Warnf("abort lob write: chain broken at page %d", page)
			break
		}
		page = nextPage(p)
		if err := ic.w.bp.Free(mtr, p); err != nil {
			ic.w.log.WithError(err).Warnf("abort lob write: free page %d", p.PageNo())
		}
		mtr.Commit()
	}
	ic.closed = true
	ic.first = basic.FilNull
}
