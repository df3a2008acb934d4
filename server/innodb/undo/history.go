package undo

import (
	"sync"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// HistoryItem 历史链表中的一条待purge的update undo记录
type HistoryItem struct {
	TableID uint64
	Ptr     basic.RollPtr
	Type    Type
	TrxID   basic.TrxID
	TrxNo   basic.TrxNo
	Seg     *Segment
}

// History 已提交事务的update undo，按提交序号排列。
// 段内所有记录都处理完后整段释放。
type History struct {
	mu      sync.Mutex
	items   []HistoryItem
	pending map[*Segment]int
	log     *Log
}

func NewHistory(log *Log) *History {
	return &History{pending: make(map[*Segment]int), log: log}
}

// Add 事务提交时调用，trxNo必须递增
func (h *History) Add(trxNo basic.TrxNo, seg *Segment, items []HistoryItem) error {
	if len(items) == 0 {
		return h.log.FreeSegment(seg)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, it := range items {
		it.TrxNo = trxNo
		it.Seg = seg
		h.items = append(h.items, it)
	}
	h.pending[seg] += len(items)
	return nil
}

// Fetch 取出最多n条提交序号小于limit的记录
func (h *History) Fetch(limit basic.TrxNo, n int) []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := 0
	for k < len(h.items) && k < n && h.items[k].TrxNo < limit {
		k++
	}
	out := append([]HistoryItem(nil), h.items[:k]...)
	h.items = h.items[k:]
	return out
}

// Len 尚未取出的记录数
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Done 一条记录处理完毕，段内全部完成时释放段
func (h *History) Done(it HistoryItem) error {
	h.mu.Lock()
	n := h.pending[it.Seg] - 1
	if n > 0 {
		h.pending[it.Seg] = n
		h.mu.Unlock()
		return nil
	}
	delete(h.pending, it.Seg)
	h.mu.Unlock()
	return h.log.FreeSegment(it.Seg)
}

// PendingSegments 还有未完成记录的段数
func (h *History) PendingSegments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
