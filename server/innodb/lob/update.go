package lob

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// SmallChangeThreshold 不超过该字节数的修改可以原地改写LOB，旧字节记入undo
const SmallChangeThreshold = 100

// PartialUpdate 原地覆盖[offset, offset+len(data))，返回被覆盖的旧字节。
// 只支持未压缩页链，且不改变LOB长度。
func (w *Writer) PartialUpdate(ctx context.Context, ref Ref, offset int, data []byte) ([]byte, error) {
	if ref.IsNull() || ref.IsFreed() {
		return nil, errors.Wrapf(basic.ErrInvalidArgument, "partial update of %s", ref)
	}
	if offset < 0 || offset+len(data) > ref.Length() {
		return nil, errors.Wrapf(basic.ErrInvalidArgument, "partial update [%d,%d) outside lob of %d bytes",
			offset, offset+len(data), ref.Length())
	}
	old := make([]byte, 0, len(data))
	pos := 0
	page := ref.Page
	end := offset + len(data)
	for pos < end {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(basic.ErrInterrupted, err.Error())
		}
		if page == basic.FilNull {
			return nil, errors.Wrapf(basic.ErrCorruption, "lob chain of %s ended at byte %d", ref, pos)
		}
		mtr := latch.NewMtr()
		p, err := w.bp.GetPage(mtr, basic.NewPageID(ref.Space, page), latch.X)
		if err != nil {
			mtr.Commit()
			return nil, err
		}
		if err := checkLOBPage(p); err != nil {
			mtr.Commit()
			return nil, err
		}
		if p.Type() != buffer_pool.PageTypeBlob {
			mtr.Commit()
			return nil, errors.Wrapf(basic.ErrInvalidArgument, "partial update of compressed lob %s", ref)
		}
		n := partLen(p)
		if lo, hi := max(offset, pos), min(end, pos+n); lo < hi {
			body := p.Data()[lobDataOffset+lo-pos : lobDataOffset+hi-pos]
			old = append(old, body...)
			copy(body, data[lo-offset:hi-offset])
		}
		pos += n
		page = nextPage(p)
		mtr.Commit()
	}
	return old, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
