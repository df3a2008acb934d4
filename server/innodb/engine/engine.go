package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/conf"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/purge"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/row"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// XMySQLEngine 按配置把各层组装起来：页与字典、事务与锁、行操作、purge
type XMySQLEngine struct {
	conf *conf.Cfg

	// 存储
	BufferPool *buffer_pool.BufferPool
	Dict       *dict.Dictionary

	// 事务
	TrxSys *mvcc.TrxSys
	Locks  *lock.Sys

	// 行操作
	Env      *row.Env
	Searcher *row.Searcher

	Purge   *purge.Coordinator
	Monitor *monitor.Monitor

	cancel context.CancelFunc
	log    *logrus.Entry
}

func NewXMySQLEngine(cfg *conf.Cfg) (*XMySQLEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &XMySQLEngine{conf: cfg, Monitor: monitor.New(), log: logger.WithComponent("engine")}

	e.initStorageLayer()
	e.initTxnLayer()
	if err := e.initRowLayer(); err != nil {
		return nil, err
	}
	if err := e.initPurge(); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"page_size":       cfg.InnodbPageSize,
		"isolation":       cfg.InnodbIsolationLevel,
		"lob_compression": cfg.InnodbLOBCompression,
		"purge_threads":   cfg.PurgeThreads,
	}).Info("engine initialized")
	return e, nil
}

func (e *XMySQLEngine) initStorageLayer() {
	latch.SetDebugChecks(e.conf.InnodbDebugLatches)
	e.BufferPool = buffer_pool.NewBufferPool(e.conf.InnodbPageSize)
	e.Dict = dict.NewDictionary(e.BufferPool)
}

func (e *XMySQLEngine) initTxnLayer() {
	ulog := undo.NewLog(e.BufferPool, 0)
	e.TrxSys = mvcc.NewTrxSys(ulog, undo.NewHistory(ulog))
	e.Locks = lock.NewSys(e.conf.InnodbLockWaitTimeout)
}

func (e *XMySQLEngine) initRowLayer() error {
	codec, err := lob.CodecByName(e.conf.InnodbLOBCompression)
	if err != nil {
		return err
	}
	e.Env = row.NewEnv(row.Options{
		BP:              e.BufferPool,
		Dict:            e.Dict,
		TrxSys:          e.TrxSys,
		Locks:           e.Locks,
		Writer:          lob.NewWriter(e.BufferPool, codec, e.conf.InnodbLOBChunkSize),
		Monitor:         e.Monitor,
		ForceRecovery:   e.conf.InnodbForceRecovery,
		LockWaitTimeout: e.conf.InnodbLockWaitTimeout,
	})
	e.Searcher = row.NewSearcher(e.Env, nil)
	return nil
}

func (e *XMySQLEngine) initPurge() error {
	c, err := purge.NewCoordinator(e.Env, purge.ConfigFromCfg(e.conf))
	if err != nil {
		return errors.Wrap(err, "init purge")
	}
	e.Purge = c
	return nil
}

// CreateTable 建表，配置了空间配额时作用到新表空间
func (e *XMySQLEngine) CreateTable(def dict.TableDef) (*dict.Table, error) {
	t, err := e.Dict.CreateTable(def)
	if err != nil {
		return nil, err
	}
	if e.conf.InnodbSpaceQuotaPages > 0 {
		e.BufferPool.SetQuota(t.Space, e.conf.InnodbSpaceQuotaPages)
	}
	return t, nil
}

// Begin 以配置的默认隔离级别开始事务
func (e *XMySQLEngine) Begin() *mvcc.Trx {
	return e.Env.Begin(e.conf.InnodbIsolationLevel)
}

// NewPrebuilt 按配置设置预取参数的扫描
func (e *XMySQLEngine) NewPrebuilt(trx *mvcc.Trx, ix *dict.Index) *row.Prebuilt {
	pb := row.NewPrebuilt(trx, ix)
	pb.PrefetchSize = e.conf.SearchPrefetchSize
	pb.PrefetchThreshold = e.conf.SearchPrefetchThreshold
	return pb
}

// Start 在后台按间隔运行purge
func (e *XMySQLEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.Purge.Run(ctx)
}

// Close 停止purge并输出计数器
func (e *XMySQLEngine) Close() {
	e.Purge.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	fields := logrus.Fields{}
	for k, v := range e.Monitor.Snapshot() {
		if v != 0 {
			fields[k] = v
		}
	}
	e.log.WithFields(fields).Info("engine closed")
}
