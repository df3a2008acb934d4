package purge

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/row"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
	"github.com/zhukovaskychina/xmysql-rowengine/util"
)

// State purge节点的状态
type State uint8

const (
	StateParseUndo State = iota
	StateDelMark
	StateUpdExist
	StateRemoveSecondary
	StateRemoveClustered
	StateDone
	// StateSkipped 表已删除或记录无法处理，条目丢弃
	StateSkipped
	// StateRetry 空间不足，条目留在队列里等下一轮
	StateRetry
)

var stateNames = [...]string{
	StateParseUndo:       "PARSE_UNDO",
	StateDelMark:         "DEL_MARK",
	StateUpdExist:        "UPD_EXIST",
	StateRemoveSecondary: "REMOVE_SECONDARY",
	StateRemoveClustered: "REMOVE_CLUSTERED",
	StateDone:            "DONE",
	StateSkipped:         "SKIPPED",
	StateRetry:           "RETRY",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Result 处理一条记录的结果
type Result struct {
	State            State
	Type             undo.Type
	SecondaryRemoved int
	ClusteredRemoved bool
	LOBsFreed        int
	LOBPagesFreed    int
	// Err 导致SKIPPED或RETRY的错误，表不存在时为nil
	Err error
}

// Broken 记录无法处理而不是表已删除，对应的删除不能就此丢弃
func (r Result) Broken() bool {
	return r.State == StateSkipped && r.Err != nil
}

// Noop 没有删除任何记录也没有释放任何LOB
func (r Result) Noop() bool {
	return r.SecondaryRemoved == 0 && !r.ClusteredRemoved && r.LOBsFreed == 0
}

// Node 对单条undo记录执行purge的状态机。
// 一个Node只在一个goroutine里使用，处理完一条再处理下一条。
type Node struct {
	env    *row.Env
	view   *mvcc.ReadView
	policy util.RetryPolicy
	log    *logrus.Entry

	state State
	entry *Entry
	rec   *undo.Record
	table *dict.Table
	// old 被修改前的行：主键加上出现在二级索引中的列
	old         *record.Record
	secondaries []*dict.Index
	res         Result
}

// NewNode view是本轮的purge视图，所有历史版本检查都以它为准
func NewNode(env *row.Env, view *mvcc.ReadView, policy util.RetryPolicy) *Node {
	return &Node{env: env, view: view, policy: policy, log: logger.WithComponent("purge")}
}

// Run 处理一条记录，返回时状态为DONE、SKIPPED或RETRY之一。
// 对同一条记录重复执行是安全的，已经完成的部分不会再产生效果。
// 一条记录开始处理后不响应取消，关闭只在记录之间检查。
func (n *Node) Run(e *Entry) Result {
	ctx := context.Background()
	n.state = StateParseUndo
	n.entry = e
	n.rec, n.table, n.old, n.secondaries = nil, nil, nil, nil
	n.res = Result{}

	for {
		var err error
		switch n.state {
		case StateParseUndo:
			err = n.parse()
		case StateDelMark:
			n.secondaries = n.table.Secondary
			n.state = StateRemoveSecondary
		case StateUpdExist:
			err = n.freeUpdatedLOBs(ctx)
		case StateRemoveSecondary:
			err = n.removeSecondaries(ctx)
		case StateRemoveClustered:
			err = n.removeClustered(ctx)
		default:
			n.res.State = n.state
			return n.res
		}
		if err != nil {
			n.fail(err)
		}
	}
}

// fail 空间不足与中断的条目重试，其它错误跳过
func (n *Node) fail(err error) {
	n.res.Err = err
	if basic.IsOutOfSpace(err) || basic.IsInterrupted(err) {
		n.state = StateRetry
		return
	}
	n.log.WithError(err).WithField("entry", n.entry.String()).Error("purge record failed, skipped")
	n.state = StateSkipped
}

func (n *Node) parse() error {
	t, err := n.env.Dict.Table(n.entry.TableID)
	if err != nil {
		if basic.IsTableMissing(err) {
			n.state = StateSkipped
			return nil
		}
		return err
	}
	if t.Dropped() {
		n.state = StateSkipped
		return nil
	}
	u, err := n.env.Undo.Read(n.entry.RollPtr)
	if err != nil {
		return err
	}
	if u.TrxID != n.entry.ModifierTrxID || u.TableID != t.ID {
		return errors.Wrapf(basic.ErrCorruption, "%s does not match %s", u, n.entry)
	}
	n.rec, n.table, n.res.Type = u, t, u.Type
	n.old = oldRow(t, u)

	switch u.Type {
	case undo.TypeDelMark:
		n.state = StateDelMark
	case undo.TypeUpdExist, undo.TypeUpdDel:
		n.state = StateUpdExist
	default:
		return errors.Wrapf(basic.ErrCorruption, "unexpected %s in history", u)
	}
	return nil
}

// oldRow 由undo中的主键和索引列旧值拼出修改前的聚簇记录，其余字段为NULL
func oldRow(t *dict.Table, u *undo.Record) *record.Record {
	fields := make([]record.Field, len(t.Clustered.Cols))
	for i := range fields {
		fields[i] = record.NullField()
	}
	copy(fields, u.Key)
	for _, f := range u.Indexed {
		fields[f.FieldNo] = f.Old
	}
	return record.NewRecord(fields...)
}

// changedIndexes 更新改动了索引列的二级索引，它们的旧索引项需要清理
func changedIndexes(t *dict.Table, u *undo.Record) []*dict.Index {
	var out []*dict.Index
	for _, ix := range t.Secondary {
		for _, fu := range u.Updates {
			if fu.LOBDelta != nil {
				continue
			}
			if ix.FieldOf(t.Clustered.Cols[fu.FieldNo]) >= 0 {
				out = append(out, ix)
				break
			}
		}
	}
	return out
}

// freeUpdatedLOBs 释放被更新替换掉的旧LOB。引用在undo页上，
// 释放前在undo页X闩锁下重新读出并确认仍指向同一条页链。
func (n *Node) freeUpdatedLOBs(ctx context.Context) error {
	n.secondaries = changedIndexes(n.table, n.rec)
	n.state = StateRemoveSecondary
	if !n.rec.ExternChanged {
		return nil
	}
	for _, fu := range n.rec.Updates {
		if !fu.Old.Extern || fu.LOBDelta != nil {
			continue
		}
		want, err := lob.Decode(fu.Old.Data)
		if err != nil {
			return err
		}
		if err := n.freeUndoRef(ctx, fu.FieldNo, want); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) freeUndoRef(ctx context.Context, fieldNo int, want lob.Ref) error {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	page, u, err := n.env.Undo.LatchRecord(mtr, n.entry.RollPtr, latch.X)
	if err != nil {
		return err
	}
	fu, ok := u.Update(fieldNo)
	if !ok || !fu.Old.Extern {
		return errors.Wrapf(basic.ErrCorruption, "field %d missing from %s", fieldNo, u)
	}
	field := lob.NewPageRefField(page, fu.RefOffset)
	ref, err := field.Ref()
	if err != nil {
		return err
	}
	if !ref.SameChain(want) || !ref.IsOwner() || ref.IsFreed() {
		return nil
	}
	pages, err := lob.Free(ctx, n.env.BP, mtr, &lob.DeleteContext{Field: field})
	n.countLOB(pages)
	return err
}

func (n *Node) countLOB(pages int) {
	if pages == 0 {
		return
	}
	n.res.LOBsFreed++
	n.res.LOBPagesFreed += pages
}

func (n *Node) removeSecondaries(ctx context.Context) error {
	for _, ix := range n.secondaries {
		if err := n.removeSecondary(ctx, ix); err != nil {
			return err
		}
	}
	if n.rec.Type == undo.TypeDelMark {
		n.state = StateRemoveClustered
	} else {
		n.state = StateDone
	}
	return nil
}

// removeSecondary 删除旧索引项，前提是它带删除标记且聚簇记录的当前版本
// 和purge视图之后的历史版本都不再产生它。检查在二级叶子X闩锁内进行。
func (n *Node) removeSecondary(ctx context.Context, ix *dict.Index) error {
	entry := ix.BuildSecondaryEntry(n.old)
	check := func(_ *latch.Mtr, c *btree.Cursor) (bool, error) {
		if !c.Record().DeleteMarked {
			return false, nil
		}
		needed, err := n.secondaryNeeded(ctx, ix, entry)
		return !needed, err
	}
	res := row.RemoveEntry(ctx, ix, ix.Key(entry), check, n.policy)
	if !res.OK() {
		return res.Err
	}
	if res.Value == btree.Deleted {
		n.res.SecondaryRemoved++
	}
	return nil
}

// secondaryNeeded 是否还有读视图可能通过entry找到这一行
func (n *Node) secondaryNeeded(ctx context.Context, ix *dict.Index, entry *record.Record) (bool, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	clust := n.table.Clustered
	key := record.Tuple(n.rec.Key)
	c, err := clust.Tree.Search(mtr, key, btree.ModeGE, latch.S)
	if err != nil {
		return false, err
	}
	if !c.IsUser() || record.Compare(clust.Key(c.Record()), key) != 0 {
		return false, nil
	}
	return n.env.OldVersionsHaveIndexEntry(ctx, true, c.Record(), ix, entry, n.view)
}

// removeClustered 删除带删除标记的聚簇记录并释放它拥有的LOB。
// 记录已被之后的修改复用（回滚指针不同）时保持不动。
func (n *Node) removeClustered(ctx context.Context) error {
	clust := n.table.Clustered
	check := func(mtr *latch.Mtr, c *btree.Cursor) (bool, error) {
		rec := c.Record()
		if !rec.DeleteMarked || rec.RollPtr != n.entry.RollPtr {
			return false, nil
		}
		for i, f := range rec.Fields {
			if !f.Extern {
				continue
			}
			pages, err := lob.Free(ctx, n.env.BP, mtr, &lob.DeleteContext{Field: c.RefField(i)})
			n.countLOB(pages)
			if err != nil {
				return false, err
			}
		}
		return true, nil
	}
	res := row.RemoveEntry(ctx, clust, record.Tuple(n.rec.Key), check, n.policy)
	if !res.OK() {
		return res.Err
	}
	n.res.ClusteredRemoved = res.Value == btree.Deleted
	n.state = StateDone
	return nil
}

// count 把结果计入监控计数器
func (r Result) count(m *monitor.Monitor) {
	switch r.State {
	case StateSkipped:
		m.Inc(monitor.PurgeSkipped)
		return
	case StateRetry:
		m.Inc(monitor.PurgeRetried)
		return
	}
	if r.Type == undo.TypeDelMark {
		m.Inc(monitor.PurgeDelMark)
	} else {
		m.Inc(monitor.PurgeUpdExist)
	}
	m.Add(monitor.PurgeSecondaryRemoved, uint64(r.SecondaryRemoved))
	if r.ClusteredRemoved {
		m.Inc(monitor.PurgeClusteredRemoved)
	}
	m.Add(monitor.PurgeLOBFreed, uint64(r.LOBsFreed))
	m.Add(monitor.PurgeLOBPagesFreed, uint64(r.LOBPagesFreed))
	if r.Noop() {
		m.Inc(monitor.PurgeNoop)
	}
}
