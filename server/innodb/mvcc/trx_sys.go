package mvcc

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// ErrInvalidTrxState 事务状态不允许该操作
var ErrInvalidTrxState = errors.Wrap(basic.ErrInvalidArgument, "invalid transaction state")

// TrxState 事务状态
type TrxState uint8

const (
	TrxActive TrxState = iota
	TrxCommitted
	TrxRolledBack
)

func (s TrxState) String() string {
	switch s {
	case TrxActive:
		return "ACTIVE"
	case TrxCommitted:
		return "COMMITTED"
	}
	return "ROLLED_BACK"
}

// UndoEntry 事务写下的一条undo记录
type UndoEntry struct {
	Ptr     basic.RollPtr
	TableID uint64
	Type    undo.Type
}

// Trx 一个事务。除状态外的字段只由拥有它的goroutine访问。
type Trx struct {
	ID        basic.TrxID
	No        basic.TrxNo
	Isolation basic.IsolationLevel
	Started   time.Time

	state     TrxState
	view      *ReadView
	insertSeg *undo.Segment
	updateSeg *undo.Segment
	undoNo    uint64
	entries   []UndoEntry
}

func (t *Trx) State() TrxState {
	return t.state
}

// ReadView 当前打开的读视图，可能为nil
func (t *Trx) ReadView() *ReadView {
	return t.view
}

// Segment 取得insert或update undo段，第一次使用时创建
func (t *Trx) Segment(log *undo.Log, insert bool) *undo.Segment {
	if insert {
		if t.insertSeg == nil {
			t.insertSeg = log.NewSegment(t.ID, true)
		}
		return t.insertSeg
	}
	if t.updateSeg == nil {
		t.updateSeg = log.NewSegment(t.ID, false)
	}
	return t.updateSeg
}

// NextUndoNo 事务内undo记录序号
func (t *Trx) NextUndoNo() uint64 {
	t.undoNo++
	return t.undoNo
}

// AddUndo 记录写下的undo，回滚时逆序处理
func (t *Trx) AddUndo(e UndoEntry) {
	t.entries = append(t.entries, e)
}

// UndoEntries 按写入顺序排列
func (t *Trx) UndoEntries() []UndoEntry {
	return t.entries
}

// TruncateUndo 回滚到只保留前n条
func (t *Trx) TruncateUndo(n int) {
	t.entries = t.entries[:n]
}

// TrxSys 事务系统：分配事务ID与提交序号，维护活跃事务和读视图
type TrxSys struct {
	mu      sync.Mutex
	nextID  basic.TrxID
	nextNo  basic.TrxNo
	active  map[basic.TrxID]*Trx
	views   map[*ReadView]struct{}
	undoLog *undo.Log
	history *undo.History
	log     *logrus.Entry
}

// NewTrxSys 创建事务系统
func NewTrxSys(undoLog *undo.Log, history *undo.History) *TrxSys {
	return &TrxSys{
		nextID:  1,
		nextNo:  1,
		active:  make(map[basic.TrxID]*Trx),
		views:   make(map[*ReadView]struct{}),
		undoLog: undoLog,
		history: history,
		log:     logger.WithComponent("trx"),
	}
}

func (s *TrxSys) UndoLog() *undo.Log {
	return s.undoLog
}

func (s *TrxSys) History() *undo.History {
	return s.history
}

// Begin 开始新事务
func (s *TrxSys) Begin(iso basic.IsolationLevel) *Trx {
	s.mu.Lock()
	defer s.mu.Unlock()
	trx := &Trx{ID: s.nextID, Isolation: iso, Started: time.Now(), state: TrxActive}
	s.nextID++
	s.active[trx.ID] = trx
	return trx
}

func (s *TrxSys) newViewLocked(creator basic.TrxID) *ReadView {
	ids := make([]basic.TrxID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return NewReadView(ids, s.nextID, s.nextNo, creator)
}

// AssignReadView 取得事务的读视图。可重复读及以上整个事务共用一个视图；
// 读已提交每条语句结束后应调用CloseReadView；读未提交不使用视图，返回nil。
func (s *TrxSys) AssignReadView(trx *Trx) *ReadView {
	if trx.Isolation == basic.ReadUncommitted {
		return nil
	}
	if trx.view != nil {
		return trx.view
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trx.view = s.newViewLocked(trx.ID)
	s.views[trx.view] = struct{}{}
	return trx.view
}

// CloseReadView 关闭事务当前的读视图
func (s *TrxSys) CloseReadView(trx *Trx) {
	if trx.view == nil {
		return
	}
	s.mu.Lock()
	delete(s.views, trx.view)
	s.mu.Unlock()
	trx.view = nil
}

// Commit 分配提交序号，update undo进入历史链表，insert undo直接释放
func (s *TrxSys) Commit(trx *Trx) error {
	s.mu.Lock()
	if trx.state != TrxActive {
		s.mu.Unlock()
		return ErrInvalidTrxState
	}
	trx.No = s.nextNo
	s.nextNo++
	delete(s.active, trx.ID)
	if trx.view != nil {
		delete(s.views, trx.view)
		trx.view = nil
	}
	trx.state = TrxCommitted

	var err error
	if trx.updateSeg != nil {
		// 在锁内加入历史链表，保证按提交序号排列
		var items []undo.HistoryItem
		for _, e := range trx.entries {
			if e.Type != undo.TypeInsert {
				items = append(items, undo.HistoryItem{TableID: e.TableID, Ptr: e.Ptr, Type: e.Type, TrxID: trx.ID})
			}
		}
		err = s.history.Add(trx.No, trx.updateSeg, items)
	}
	s.mu.Unlock()

	if trx.insertSeg != nil {
		if ferr := s.undoLog.FreeSegment(trx.insertSeg); ferr != nil && err == nil {
			err = ferr
		}
	}
	s.log.WithField("trx", trx.ID).WithField("no", trx.No).Debugf("committed with %d undo records", len(trx.entries))
	return err
}

// MarkRolledBack 回滚已经由调用方应用完毕后调用，释放全部undo
func (s *TrxSys) MarkRolledBack(trx *Trx) error {
	s.mu.Lock()
	if trx.state != TrxActive {
		s.mu.Unlock()
		return ErrInvalidTrxState
	}
	delete(s.active, trx.ID)
	if trx.view != nil {
		delete(s.views, trx.view)
		trx.view = nil
	}
	trx.state = TrxRolledBack
	s.mu.Unlock()

	for _, seg := range []*undo.Segment{trx.insertSeg, trx.updateSeg} {
		if seg == nil {
			continue
		}
		if err := s.undoLog.FreeSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// IsActive 事务是否仍未结束
func (s *TrxSys) IsActive(id basic.TrxID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// ActiveCount 活跃事务数
func (s *TrxSys) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// OldestView 所有打开的读视图中最老的一个的拷贝；没有打开的视图时返回一个新视图。
// purge只处理提交序号小于其lowLimitNo的历史。
func (s *TrxSys) OldestView() *ReadView {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := s.newViewLocked(0)
	for v := range s.views {
		if v.lowLimitNo < oldest.lowLimitNo ||
			(v.lowLimitNo == oldest.lowLimitNo && v.upLimitID < oldest.upLimitID) {
			oldest = v
		}
	}
	return oldest.Clone()
}
