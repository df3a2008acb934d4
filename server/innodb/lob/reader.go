package lob

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// 单个压缩块原始长度的上限，超过视为损坏
const maxChunkRaw = 1 << 24

// Reader 沿页链读取LOB
type Reader struct {
	bp  *buffer_pool.BufferPool
	log *logrus.Entry
}

func NewReader(bp *buffer_pool.BufferPool) *Reader {
	return &Reader{bp: bp, log: logger.WithComponent("lob")}
}

// Fetch 读取LOB的前maxLen字节，maxLen<=0表示全部
func (r *Reader) Fetch(ctx context.Context, ref Ref, maxLen int) ([]byte, error) {
	res, err := r.FetchResult(ctx, ref, maxLen)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FetchResult 读取结果，Total为本次解压或拷贝的原始字节数
type FetchResult struct {
	Data  []byte
	Total int
}

func (r *Reader) FetchResult(ctx context.Context, ref Ref, maxLen int) (FetchResult, error) {
	if ref.IsNull() {
		return FetchResult{}, errors.Wrap(basic.ErrInvalidArgument, "fetch null lob ref")
	}
	if ref.IsFreed() {
		return FetchResult{}, errors.Wrapf(basic.ErrCorruption, "fetch freed lob ref %s", ref)
	}
	want := ref.Length()
	if maxLen > 0 && maxLen < want {
		want = maxLen
	}

	cr := newChainReader(ctx, r.bp, ref)
	first, err := cr.peekType()
	if err != nil {
		return FetchResult{}, err
	}
	var res FetchResult
	if first == buffer_pool.PageTypeZBlob {
		res, err = r.fetchCompressed(cr, ref, want)
	} else {
		res, err = r.fetchPlain(cr, want)
	}
	if err != nil {
		r.log.WithField("ref", ref.String()).WithError(err).Warn("lob fetch failed")
		return FetchResult{}, err
	}
	return res, nil
}

func (r *Reader) fetchPlain(cr *chainReader, want int) (FetchResult, error) {
	out := make([]byte, want)
	if _, err := io.ReadFull(cr, out); err != nil {
		return FetchResult{}, chainErr(err, cr)
	}
	return FetchResult{Data: out, Total: want}, nil
}

func (r *Reader) fetchCompressed(cr *chainReader, ref Ref, want int) (FetchResult, error) {
	codec, err := codecByID(cr.codecID)
	if err != nil {
		return FetchResult{}, err
	}
	out := make([]byte, 0, want)
	total := 0
	hdr := make([]byte, chunkHeaderSize)
	// 只读到引用长度为止，正在写入的尾部块不会被看到
	for total < want && total < ref.Length() {
		if _, err := io.ReadFull(cr, hdr); err != nil {
			return FetchResult{}, chainErr(err, cr)
		}
		rawLen := int(binary.BigEndian.Uint32(hdr[0:]))
		compLen := int(binary.BigEndian.Uint32(hdr[4:]))
		if rawLen <= 0 || rawLen > maxChunkRaw || compLen <= 0 {
			return FetchResult{}, errors.Wrapf(basic.ErrCorruption, "lob chunk header raw=%d comp=%d", rawLen, compLen)
		}
		comp := make([]byte, compLen)
		if _, err := io.ReadFull(cr, comp); err != nil {
			return FetchResult{}, chainErr(err, cr)
		}
		raw, err := codec.Decompress(comp, rawLen)
		if err != nil {
			return FetchResult{}, errors.Wrapf(basic.ErrCorruption, "decompress lob chunk: %v", err)
		}
		total += len(raw)
		if n := want - len(out); n < len(raw) {
			raw = raw[:n]
		}
		out = append(out, raw...)
	}
	return FetchResult{Data: out, Total: total}, nil
}

// FetchForIsolation 读未提交级别可以读到正在写入的LOB，其余级别返回ErrLOBNotReady
func (r *Reader) FetchForIsolation(ctx context.Context, ref Ref, maxLen int, iso basic.IsolationLevel) ([]byte, error) {
	if ref.IsBeingModified() && iso != basic.ReadUncommitted {
		return nil, errors.Wrapf(basic.ErrLOBNotReady, "%s", ref)
	}
	return r.Fetch(ctx, ref, maxLen)
}

func chainErr(err error, cr *chainReader) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(basic.ErrCorruption, "lob chain ended early after page %d", cr.lastPage)
	}
	return err
}

// chainReader 以io.Reader的方式遍历页链。每页在自己的mtr中拷贝，不跨页持有闩锁。
type chainReader struct {
	ctx      context.Context
	bp       *buffer_pool.BufferPool
	space    basic.SpaceID
	next     basic.PageNo
	lastPage basic.PageNo
	typ      buffer_pool.PageType
	codecID  uint8
	buf      []byte
	started  bool
}

func newChainReader(ctx context.Context, bp *buffer_pool.BufferPool, ref Ref) *chainReader {
	return &chainReader{ctx: ctx, bp: bp, space: ref.Space, next: ref.Page, lastPage: basic.FilNull}
}

// peekType 读入首页，确定链类型
func (cr *chainReader) peekType() (buffer_pool.PageType, error) {
	if err := cr.load(); err != nil {
		return 0, err
	}
	return cr.typ, nil
}

func (cr *chainReader) load() error {
	if err := cr.ctx.Err(); err != nil {
		return errors.Wrap(basic.ErrInterrupted, err.Error())
	}
	if cr.next == basic.FilNull {
		return io.EOF
	}
	mtr := latch.NewMtr()
	defer mtr.Commit()
	p, err := cr.bp.GetPage(mtr, basic.NewPageID(cr.space, cr.next), latch.S)
	if err != nil {
		return err
	}
	if err := checkLOBPage(p); err != nil {
		return err
	}
	if !cr.started {
		cr.typ, cr.codecID, cr.started = p.Type(), pageCodec(p), true
	} else if p.Type() != cr.typ {
		return errors.Wrapf(basic.ErrCorruption, "page %s type %s differs from chain type %s", p.ID(), p.Type(), cr.typ)
	}
	cr.buf = append(cr.buf[:0], payload(p)...)
	cr.lastPage = cr.next
	cr.next = nextPage(p)
	return nil
}

func (cr *chainReader) Read(b []byte) (int, error) {
	for len(cr.buf) == 0 {
		if err := cr.load(); err != nil {
			return 0, err
		}
	}
	n := copy(b, cr.buf)
	cr.buf = cr.buf[n:]
	return n, nil
}
