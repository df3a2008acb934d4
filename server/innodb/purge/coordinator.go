package purge

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/conf"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/row"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

// Config purge协调器参数
type Config struct {
	Threads      int
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	Interval     time.Duration
}

// ConfigFromCfg 取配置文件中的[purge]段
func ConfigFromCfg(cfg *conf.Cfg) Config {
	return Config{
		Threads:      cfg.PurgeThreads,
		BatchSize:    cfg.PurgeBatchSize,
		MaxRetries:   cfg.PurgeMaxRetries,
		RetryBackoff: cfg.PurgeRetryBackoff,
		Interval:     cfg.PurgeInterval,
	}
}

// Stats 一轮purge的统计
type Stats struct {
	Fetched   int
	Processed int
	Done      int
	Skipped   int
	Retried   int
	// Parked 无法处理而挂起的条目，它们的undo段不会释放
	Parked int
	// Pending 本轮结束后仍在队列中的条目
	Pending int
}

type stats struct {
	processed atomic.Int64
	done      atomic.Int64
	skipped   atomic.Int64
	retried   atomic.Int64
	parked    atomic.Int64
}

// Coordinator 从历史链表取出对所有读视图都已不可见的undo记录，
// 按表分给工作线程执行purge。同一张表的记录总在同一个线程上按顺序处理。
type Coordinator struct {
	env   *row.Env
	cfg   Config
	queue *Queue
	pool  *ants.Pool
	log   *logrus.Entry

	parkMu sync.Mutex
	parked []*Entry

	stopped atomic.Bool
	mu      sync.Mutex // 串行化Purge
	stopCh  chan struct{}
	runDone chan struct{}
	once    sync.Once
}

func NewCoordinator(env *row.Env, cfg Config) (*Coordinator, error) {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 300
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	log := logger.WithComponent("purge")
	pool, err := ants.NewPool(cfg.Threads, ants.WithPanicHandler(func(v interface{}) {
		log.Errorf("purge worker panic: %v", v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create purge worker pool")
	}
	return &Coordinator{
		env:    env,
		cfg:    cfg,
		queue:  NewQueue(),
		pool:   pool,
		log:    log,
		stopCh: make(chan struct{}),
	}, nil
}

// Queue 待处理的队列，外部的历史遍历器也可以直接往里放条目
func (c *Coordinator) Queue() *Queue {
	return c.queue
}

func (c *Coordinator) policy() util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: c.cfg.MaxRetries, Backoff: c.cfg.RetryBackoff}
}

// Purge 执行一轮：按最老读视图取一批历史，与队列中重试的条目一起处理完再返回
func (c *Coordinator) Purge(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st Stats
	if c.stopped.Load() {
		return st, errors.New("purge coordinator stopped")
	}
	view := c.env.TrxSys.OldestView()
	items := c.env.TrxSys.History().Fetch(view.LowLimitNo(), c.cfg.BatchSize)
	st.Fetched = len(items)
	for _, it := range items {
		c.queue.Push(NewEntry(it))
	}
	batch := c.queue.Drain(0)
	if len(batch) == 0 {
		return st, nil
	}

	groups := make([][]*Entry, c.cfg.Threads)
	for _, e := range batch {
		g := int(e.TableID % uint64(c.cfg.Threads))
		groups[g] = append(groups[g], e)
	}

	var (
		wg sync.WaitGroup
		s  stats
	)
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		g := g
		wg.Add(1)
		if err := c.pool.Submit(func() {
			defer wg.Done()
			c.work(ctx, view, g, &s)
		}); err != nil {
			wg.Done()
			c.queue.Push(g...)
			c.log.WithError(err).Warn("submit purge batch")
		}
	}
	wg.Wait()

	st.Processed = int(s.processed.Load())
	st.Done = int(s.done.Load())
	st.Skipped = int(s.skipped.Load())
	st.Retried = int(s.retried.Load())
	st.Parked = int(s.parked.Load())
	st.Pending = c.queue.Len()
	if st.Processed > 0 {
		c.log.WithFields(logrus.Fields{
			"processed": st.Processed,
			"skipped":   st.Skipped,
			"retried":   st.Retried,
			"history":   c.env.TrxSys.History().Len(),
		}).Debug("purge batch finished")
	}
	return st, ctx.Err()
}

// work 顺序处理一组条目，停止时把剩下的放回队列
func (c *Coordinator) work(ctx context.Context, view *mvcc.ReadView, entries []*Entry, s *stats) {
	node := NewNode(c.env, view, c.policy())
	hist := c.env.TrxSys.History()
	for i, e := range entries {
		if c.stopped.Load() || ctx.Err() != nil {
			c.queue.Push(entries[i:]...)
			return
		}
		res := node.Run(e)
		res.count(c.env.Monitor)
		s.processed.Inc()
		switch res.State {
		case StateRetry:
			e.Retries++
			s.retried.Inc()
			c.queue.Push(e)
			c.log.WithError(res.Err).WithField("entry", e.String()).Warnf("purge requeued after %d attempts", e.Retries)
			continue
		case StateSkipped:
			s.skipped.Inc()
			if res.Broken() {
				s.parked.Inc()
				c.park(e)
				continue
			}
		default:
			s.done.Inc()
		}
		if e.fromHist {
			if err := hist.Done(e.item); err != nil {
				c.log.WithError(err).Warn("free undo segment")
			}
		}
	}
}

// park 挂起的条目留着undo段，修复后用RequeueParked重新处理
func (c *Coordinator) park(e *Entry) {
	c.parkMu.Lock()
	c.parked = append(c.parked, e)
	c.parkMu.Unlock()
	c.log.WithField("entry", e.String()).Warn("purge entry parked, undo segment kept")
}

// Parked 当前挂起的条目
func (c *Coordinator) Parked() []*Entry {
	c.parkMu.Lock()
	defer c.parkMu.Unlock()
	return append([]*Entry(nil), c.parked...)
}

// RequeueParked 把挂起的条目放回队列，返回条目数
func (c *Coordinator) RequeueParked() int {
	c.parkMu.Lock()
	es := c.parked
	c.parked = nil
	c.parkMu.Unlock()
	c.queue.Push(es...)
	return len(es)
}

// Run 每隔Interval执行一轮，直到ctx取消或Stop
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.Purge(ctx); err != nil && !c.stopped.Load() && ctx.Err() == nil {
			c.log.WithError(err).Warn("purge round")
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop 设置关闭标记，等待正在执行的一轮结束后释放工作线程
func (c *Coordinator) Stop() {
	c.once.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)
		c.mu.Lock()
		done := c.runDone
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		c.pool.Release()
	})
}
