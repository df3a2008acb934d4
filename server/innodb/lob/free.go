package lob

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

// DeleteContext 一次释放操作针对的引用
type DeleteContext struct {
	Field RefField
	// Rollback 回滚时不释放继承来的LOB，它们仍属于旧版本记录
	Rollback bool
}

// Free 释放引用指向的页链并把引用清为已释放状态。
// mtr必须持有引用所在页的X闩锁；页链上的每一页在各自的mtr中释放。
// 非owner、回滚时的继承引用以及已释放的引用都直接返回，因此重复调用是安全的。
func Free(ctx context.Context, bp *buffer_pool.BufferPool, mtr *latch.Mtr, dc *DeleteContext) (int, error) {
	ref, err := dc.Field.Ref()
	if err != nil {
		return 0, err
	}
	if ref.IsNull() || ref.IsFreed() || !ref.IsOwner() {
		return 0, nil
	}
	if dc.Rollback && ref.IsInherited() {
		return 0, nil
	}
	if err := dc.Field.SetRef(mtr, ref); err != nil {
		return 0, err
	}

	freed := 0
	for ref.Page != basic.FilNull {
		if err := ctx.Err(); err != nil {
			return freed, errors.Wrap(basic.ErrInterrupted, err.Error())
		}
		pm := latch.NewMtr()
		p, err := bp.GetPage(pm, ref.FirstPage(), latch.X)
		if err != nil {
			pm.Commit()
			return freed, err
		}
		if err := checkLOBPage(p); err != nil {
			pm.Commit()
			return freed, err
		}
		next := nextPage(p)
		if err := bp.Free(pm, p); err != nil {
			pm.Commit()
			return freed, err
		}
		pm.Commit()
		freed++

		// 引用始终指向尚未释放的剩余页链
		ref.Page = next
		if err := dc.Field.SetRef(mtr, ref); err != nil {
			return freed, err
		}
	}
	ref.Flags = ref.Flags.WithLength(0)
	if err := dc.Field.SetRef(mtr, ref); err != nil {
		return freed, err
	}
	return freed, nil
}
