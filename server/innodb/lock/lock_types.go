package lock

import (
	"fmt"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// Mode 锁模式
type Mode uint8

const (
	ModeS Mode = iota // 共享锁
	ModeX             // 排他锁
)

func (m Mode) String() string {
	if m == ModeX {
		return "X"
	}
	return "S"
}

// Type 行锁类型
type Type uint8

const (
	Ordinary        Type = iota // next-key锁：记录加上它前面的间隙
	Gap                         // 只锁间隙
	RecNotGap                   // 只锁记录
	InsertIntention             // 插入意向
)

func (t Type) String() string {
	switch t {
	case Ordinary:
		return "ORDINARY"
	case Gap:
		return "GAP"
	case RecNotGap:
		return "REC_NOT_GAP"
	}
	return "INSERT_INTENTION"
}

// RecordID 被锁的记录：索引加上记录的键。Supremum表示索引最后一个叶子的上界。
type RecordID struct {
	IndexID  uint64
	Key      string
	Supremum bool
}

func (r RecordID) String() string {
	if r.Supremum {
		return fmt.Sprintf("%d:supremum", r.IndexID)
	}
	return fmt.Sprintf("%d:%x", r.IndexID, r.Key)
}

// Status 加锁结果
type Status uint8

const (
	Granted Status = iota
	Waiting
)

// Request 一个锁请求
type Request struct {
	Trx    basic.TrxID
	Rec    RecordID
	Mode   Mode
	Type   Type
	status Status
	ch     chan struct{}
}

// Status 当前状态，只在持有Sys的锁或Wait返回之后可靠
func (r *Request) Status() Status {
	return r.status
}

func (r *Request) String() string {
	return fmt.Sprintf("trx %d %s %s on %s", r.Trx, r.Mode, r.Type, r.Rec)
}

// covers 已持有的锁是否足以代替新请求
func (r *Request) covers(mode Mode, typ Type) bool {
	if r.status != Granted {
		return false
	}
	if r.Mode == ModeS && mode == ModeX {
		return false
	}
	if r.Type == typ {
		return true
	}
	if r.Type == Ordinary {
		return typ == Gap || typ == RecNotGap
	}
	return false
}

// hasToWait 请求(mode, typ)是否需要等待另一个事务的锁other
func hasToWait(mode Mode, typ Type, supremum bool, other *Request) bool {
	if mode == ModeS && other.Mode == ModeS {
		return false
	}
	// 上界和纯间隙锁只与插入意向冲突
	if (supremum || typ == Gap) && typ != InsertIntention {
		return false
	}
	if typ != InsertIntention && other.Type == Gap {
		return false
	}
	if typ == InsertIntention && other.Type == RecNotGap {
		return false
	}
	if other.Type == InsertIntention {
		return false
	}
	return true
}
