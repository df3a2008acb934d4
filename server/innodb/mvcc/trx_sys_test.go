package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/undo"
)

func newTrxSys() (*TrxSys, *buffer_pool.BufferPool) {
	bp := buffer_pool.NewBufferPool(4096)
	log := undo.NewLog(bp, 0)
	return NewTrxSys(log, undo.NewHistory(log)), bp
}

func TestTrxSysViews(t *testing.T) {
	s, _ := newTrxSys()
	a := s.Begin(basic.RepeatableRead)
	b := s.Begin(basic.RepeatableRead)

	va := s.AssignReadView(a)
	assert.Same(t, va, s.AssignReadView(a), "one view per RR transaction")
	assert.False(t, va.ChangesVisible(b.ID))
	assert.True(t, va.ChangesVisible(a.ID))

	require.NoError(t, s.Commit(b))
	assert.False(t, va.ChangesVisible(b.ID), "commit after the view was opened")
	assert.False(t, s.IsActive(b.ID))

	c := s.Begin(basic.ReadCommitted)
	vc := s.AssignReadView(c)
	assert.True(t, vc.ChangesVisible(b.ID))
	s.CloseReadView(c)
	assert.Nil(t, c.ReadView())

	ru := s.Begin(basic.ReadUncommitted)
	assert.Nil(t, s.AssignReadView(ru))

	assert.ErrorIs(t, s.Commit(b), basic.ErrInvalidArgument)
}

func TestOldestView(t *testing.T) {
	s, _ := newTrxSys()
	a := s.Begin(basic.RepeatableRead)
	va := s.AssignReadView(a)

	w := s.Begin(basic.RepeatableRead)
	require.NoError(t, s.Commit(w))

	oldest := s.OldestView()
	assert.Equal(t, va.LowLimitNo(), oldest.LowLimitNo())
	assert.False(t, oldest.ChangesVisible(w.ID))

	require.NoError(t, s.Commit(a))
	oldest = s.OldestView()
	assert.Greater(t, oldest.LowLimitNo(), w.No)
	assert.True(t, oldest.ChangesVisible(w.ID))
}

func TestCommitPushesHistory(t *testing.T) {
	s, bp := newTrxSys()
	trx := s.Begin(basic.RepeatableRead)

	ins := trx.Segment(s.UndoLog(), true)
	p1, err := s.UndoLog().Append(ins, &undo.Record{Type: undo.TypeInsert, TableID: 1, TrxID: trx.ID})
	require.NoError(t, err)
	trx.AddUndo(UndoEntry{Ptr: p1, TableID: 1, Type: undo.TypeInsert})

	upd := trx.Segment(s.UndoLog(), false)
	p2, err := s.UndoLog().Append(upd, &undo.Record{Type: undo.TypeDelMark, TableID: 1, TrxID: trx.ID})
	require.NoError(t, err)
	trx.AddUndo(UndoEntry{Ptr: p2, TableID: 1, Type: undo.TypeDelMark})
	assert.Equal(t, 2, bp.UsedPages(0))

	require.NoError(t, s.Commit(trx))
	assert.Equal(t, 1, bp.UsedPages(0), "insert undo is freed at commit")
	items := s.History().Fetch(trx.No+1, 10)
	require.Len(t, items, 1)
	assert.Equal(t, p2, items[0].Ptr)
	assert.Equal(t, trx.No, items[0].TrxNo)
}

func TestRollbackFreesUndo(t *testing.T) {
	s, bp := newTrxSys()
	trx := s.Begin(basic.RepeatableRead)
	seg := trx.Segment(s.UndoLog(), false)
	_, err := s.UndoLog().Append(seg, &undo.Record{Type: undo.TypeUpdExist, TrxID: trx.ID})
	require.NoError(t, err)
	require.NoError(t, s.MarkRolledBack(trx))
	assert.Zero(t, bp.UsedPages(0))
	assert.Equal(t, TrxRolledBack, trx.State())
	assert.Zero(t, s.History().Len())
}
