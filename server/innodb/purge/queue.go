package purge

import (
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

// Entry 一条待purge的undo记录
type Entry struct {
	TableID       uint64
	RollPtr       basic.RollPtr
	ModifierTrxID basic.TrxID
	TrxNo         basic.TrxNo

	// Retries 因空间不足被放回队列的次数
	Retries int

	item     undo.HistoryItem
	fromHist bool
}

// NewEntry 从历史链表中的一项构造
func NewEntry(it undo.HistoryItem) *Entry {
	return &Entry{
		TableID:       it.TableID,
		RollPtr:       it.Ptr,
		ModifierTrxID: it.TrxID,
		TrxNo:         it.TrxNo,
		item:          it,
		fromHist:      true,
	}
}

func (e *Entry) String() string {
	return fmt.Sprintf("purge(table=%d trx=%d no=%d at %s)", e.TableID, e.ModifierTrxID, e.TrxNo, e.RollPtr)
}

// Queue 先进先出的purge队列，可并发访问
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push 追加到队尾
func (q *Queue) Push(es ...*Entry) {
	if len(es) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, es...)
	q.mu.Unlock()
}

// Drain 从队头取出最多n条，n<=0时全部取出
func (q *Queue) Drain(n int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	out := q.entries[:n:n]
	q.entries = q.entries[n:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
