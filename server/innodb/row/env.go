package row

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// Env 行操作依赖的服务
type Env struct {
	BP      *buffer_pool.BufferPool
	Dict    *dict.Dictionary
	TrxSys  *mvcc.TrxSys
	Locks   *lock.Sys
	Undo    *undo.Log
	Writer  *lob.Writer
	Reader  *lob.Reader
	Monitor *monitor.Monitor

	// ForceRecovery 大于0时读到损坏的页跳过，LOB损坏的列按缺失返回
	ForceRecovery   int
	LockWaitTimeout time.Duration

	log *logrus.Entry
}

// Options 创建Env的参数
type Options struct {
	BP              *buffer_pool.BufferPool
	Dict            *dict.Dictionary
	TrxSys          *mvcc.TrxSys
	Locks           *lock.Sys
	Writer          *lob.Writer
	Monitor         *monitor.Monitor
	ForceRecovery   int
	LockWaitTimeout time.Duration
}

func NewEnv(opts Options) *Env {
	return &Env{
		BP:              opts.BP,
		Dict:            opts.Dict,
		TrxSys:          opts.TrxSys,
		Locks:           opts.Locks,
		Undo:            opts.TrxSys.UndoLog(),
		Writer:          opts.Writer,
		Reader:          lob.NewReader(opts.BP),
		Monitor:         opts.Monitor,
		ForceRecovery:   opts.ForceRecovery,
		LockWaitTimeout: opts.LockWaitTimeout,
		log:             logger.WithComponent("row"),
	}
}

// Begin 开始事务
func (e *Env) Begin(iso basic.IsolationLevel) *mvcc.Trx {
	return e.TrxSys.Begin(iso)
}

// Commit 提交事务并释放锁
func (e *Env) Commit(trx *mvcc.Trx) error {
	err := e.TrxSys.Commit(trx)
	e.Locks.ReleaseAll(trx.ID)
	return err
}

// recordID 索引记录的锁标识
func recordID(ix *dict.Index, key record.Tuple) lock.RecordID {
	var buf []byte
	for _, f := range key {
		if f.Null {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1, byte(len(f.Data)>>24), byte(len(f.Data)>>16), byte(len(f.Data)>>8), byte(len(f.Data)))
		buf = append(buf, f.Data...)
	}
	return lock.RecordID{IndexID: ix.ID, Key: string(buf)}
}

func supremumID(ix *dict.Index) lock.RecordID {
	return lock.RecordID{IndexID: ix.ID, Supremum: true}
}

// lockAndWait 加锁，冲突时等待。调用方不得持有闩锁。
func (e *Env) lockAndWait(ctx context.Context, mtr *latch.Mtr, trx *mvcc.Trx, rec lock.RecordID, mode lock.Mode, typ lock.Type) error {
	req, err := e.Locks.Lock(trx.ID, rec, mode, typ)
	if err != nil {
		return err
	}
	if req.Status() == lock.Granted {
		return nil
	}
	latch.Suspend(mtr, "lock wait")
	e.Monitor.Inc(monitor.LockWaits)
	return e.Locks.Wait(ctx, req, e.LockWaitTimeout)
}

// lockClusteredX DML前对聚簇记录加X记录锁
func (e *Env) lockClusteredX(ctx context.Context, trx *mvcc.Trx, t *dict.Table, pk record.Tuple) error {
	return e.lockAndWait(ctx, nil, trx, recordID(t.Clustered, pk), lock.ModeX, lock.RecNotGap)
}

func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(basic.ErrInterrupted, err.Error())
	}
	return nil
}

// openClustered 以mode闩住主键所在叶子，找到记录时found为true。调用方负责提交mtr。
func openClustered(mtr *latch.Mtr, t *dict.Table, pk record.Tuple, mode latch.Mode) (*btree.Cursor, bool, error) {
	return openIndex(mtr, t.Clustered, pk, mode)
}

// openIndex 在索引上按唯一键定位
func openIndex(mtr *latch.Mtr, ix *dict.Index, key record.Tuple, mode latch.Mode) (*btree.Cursor, bool, error) {
	c, err := ix.Tree.Search(mtr, key, btree.ModeGE, mode)
	if err != nil {
		return nil, false, err
	}
	found := c.IsUser() && record.Compare(ix.Key(c.Record()), key) == 0
	return c, found, nil
}
