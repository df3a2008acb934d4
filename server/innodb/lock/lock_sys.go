package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

const nBuckets = 64

// queue 同一记录上的请求，按到达顺序排列
type queue struct {
	rec  RecordID
	reqs []*Request
}

// Stats 锁统计信息
type Stats struct {
	Requests  uint64 // 总请求数
	Waits     uint64 // 需要等待的次数
	Deadlocks uint64 // 死锁次数
	Timeouts  uint64 // 锁超时次数
}

// Sys 行锁系统。一把互斥锁保护整张锁表，锁表按记录Hash分桶。
// 死锁在加锁时通过等待图深度优先搜索检测，请求者作为牺牲者。
type Sys struct {
	mu      sync.Mutex
	buckets [nBuckets]map[RecordID]*queue
	held    map[basic.TrxID][]*Request
	waiting map[basic.TrxID]*Request
	timeout time.Duration

	requests  atomic.Uint64
	waits     atomic.Uint64
	deadlocks atomic.Uint64
	timeouts  atomic.Uint64
	log       *logrus.Entry
}

// NewSys 创建锁系统，timeout是默认的锁等待超时
func NewSys(timeout time.Duration) *Sys {
	s := &Sys{
		held:    make(map[basic.TrxID][]*Request),
		waiting: make(map[basic.TrxID]*Request),
		timeout: timeout,
		log:     logger.WithComponent("lock"),
	}
	for i := range s.buckets {
		s.buckets[i] = make(map[RecordID]*queue)
	}
	return s
}

func bucketOf(rec RecordID) int {
	var id [8]byte
	for i := 0; i < 8; i++ {
		id[i] = byte(rec.IndexID >> (56 - 8*i))
	}
	sup := []byte{0}
	if rec.Supremum {
		sup[0] = 1
	}
	return int(util.HashFields([][]byte{id[:], []byte(rec.Key), sup}) % nBuckets)
}

func (s *Sys) queueOf(rec RecordID, create bool) *queue {
	b := s.buckets[bucketOf(rec)]
	q := b[rec]
	if q == nil && create {
		q = &queue{rec: rec}
		b[rec] = q
	}
	return q
}

// Lock 为事务trx在rec上请求锁。返回的请求状态为Granted或Waiting；
// 形成死锁时请求被撤销并返回ErrDeadlock。调用方不得持有页闩锁去等待。
func (s *Sys) Lock(trx basic.TrxID, rec RecordID, mode Mode, typ Type) (*Request, error) {
	s.requests.Inc()
	if rec.Supremum && typ != InsertIntention {
		typ = Gap
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queueOf(rec, true)
	for _, r := range q.reqs {
		if r.Trx == trx && r.covers(mode, typ) {
			return r, nil
		}
	}
	req := &Request{Trx: trx, Rec: rec, Mode: mode, Type: typ, status: Granted, ch: make(chan struct{})}
	if s.blockers(q, req, len(q.reqs)) != nil {
		req.status = Waiting
	}
	q.reqs = append(q.reqs, req)
	if req.status == Granted {
		close(req.ch)
		s.held[trx] = append(s.held[trx], req)
		return req, nil
	}

	s.waits.Inc()
	s.waiting[trx] = req
	if s.reaches(req, trx, make(map[basic.TrxID]bool)) {
		s.cancelLocked(req)
		s.deadlocks.Inc()
		s.log.WithField("request", req.String()).Warn("deadlock detected, rolling back requester")
		return nil, errors.Wrapf(basic.ErrDeadlock, "%s", req)
	}
	return req, nil
}

// blockers 排在req之前（下标小于upto）且与之冲突的其他事务请求
func (s *Sys) blockers(q *queue, req *Request, upto int) []*Request {
	var out []*Request
	for _, r := range q.reqs[:upto] {
		if r.Trx != req.Trx && hasToWait(req.Mode, req.Type, q.rec.Supremum, r) {
			out = append(out, r)
		}
	}
	return out
}

// reaches 沿等待图从req出发能否回到target
func (s *Sys) reaches(req *Request, target basic.TrxID, visited map[basic.TrxID]bool) bool {
	q := s.queueOf(req.Rec, false)
	if q == nil {
		return false
	}
	idx := indexOf(q.reqs, req)
	for _, b := range s.blockers(q, req, idx) {
		if b.Trx == target {
			return true
		}
		if visited[b.Trx] {
			continue
		}
		visited[b.Trx] = true
		if w := s.waiting[b.Trx]; w != nil && s.reaches(w, target, visited) {
			return true
		}
	}
	return false
}

func indexOf(reqs []*Request, req *Request) int {
	for i, r := range reqs {
		if r == req {
			return i
		}
	}
	return len(reqs)
}

// Wait 等待请求被授予。超时返回ErrLockTimeout，ctx取消返回ErrInterrupted，两种情况下请求都被撤销。
// timeout为0时使用默认超时。
func (s *Sys) Wait(ctx context.Context, req *Request, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-req.ch:
		return nil
	case <-timer.C:
		if s.cancel(req) {
			s.timeouts.Inc()
			return errors.Wrapf(basic.ErrLockTimeout, "%s", req)
		}
		return nil
	case <-ctx.Done():
		if s.cancel(req) {
			return errors.Wrap(basic.ErrInterrupted, ctx.Err().Error())
		}
		return nil
	}
}

// Cancel 撤销仍在等待的请求，用于半一致读放弃等待；请求已被授予时返回false
func (s *Sys) Cancel(req *Request) bool {
	return s.cancel(req)
}

func (s *Sys) cancel(req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.status == Granted {
		return false
	}
	s.cancelLocked(req)
	return true
}

func (s *Sys) cancelLocked(req *Request) {
	delete(s.waiting, req.Trx)
	q := s.queueOf(req.Rec, false)
	if q == nil {
		return
	}
	q.reqs = removeReq(q.reqs, req)
	s.grantLocked(q)
}

func removeReq(reqs []*Request, req *Request) []*Request {
	out := reqs[:0]
	for _, r := range reqs {
		if r != req {
			out = append(out, r)
		}
	}
	return out
}

// grantLocked 按FIFO顺序授予不再冲突的等待请求
func (s *Sys) grantLocked(q *queue) {
	if len(q.reqs) == 0 {
		delete(s.buckets[bucketOf(q.rec)], q.rec)
		return
	}
	for i, r := range q.reqs {
		if r.status != Waiting {
			continue
		}
		if s.blockers(q, r, i) != nil {
			continue
		}
		r.status = Granted
		delete(s.waiting, r.Trx)
		s.held[r.Trx] = append(s.held[r.Trx], r)
		close(r.ch)
	}
}

// ReleaseAll 事务结束时释放它的全部锁
func (s *Sys) ReleaseAll(trx basic.TrxID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.waiting[trx]; w != nil {
		s.cancelLocked(w)
	}
	reqs := s.held[trx]
	delete(s.held, trx)
	touched := make(map[*queue]struct{})
	for _, r := range reqs {
		q := s.queueOf(r.Rec, false)
		if q == nil {
			continue
		}
		q.reqs = removeReq(q.reqs, r)
		touched[q] = struct{}{}
	}
	for q := range touched {
		s.grantLocked(q)
	}
}

// HasLock 事务是否已持有足以覆盖(mode, typ)的锁
func (s *Sys) HasLock(trx basic.TrxID, rec RecordID, mode Mode, typ Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.held[trx] {
		if r.Rec == rec && r.covers(mode, typ) {
			return true
		}
	}
	return false
}

// NumLocks 事务持有的锁数
func (s *Sys) NumLocks(trx basic.TrxID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held[trx])
}

func (s *Sys) Stats() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		Waits:     s.waits.Load(),
		Deadlocks: s.deadlocks.Load(),
		Timeouts:  s.timeouts.Load(),
	}
}
