package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
)

func TestAllocateAndGet(t *testing.T) {
	bp := NewBufferPool(4096)

	mtr := latch.NewMtr()
	p, err := bp.Allocate(mtr, 1, PageTypeBlob)
	require.NoError(t, err)
	copy(p.Data()[FilHeaderSize:], []byte("hello"))
	mtr.Commit()

	mtr = latch.NewMtr()
	got, err := bp.GetPage(mtr, p.ID(), latch.S)
	require.NoError(t, err)
	assert.Equal(t, PageTypeBlob, got.Type())
	assert.Equal(t, []byte("hello"), got.Data()[FilHeaderSize:FilHeaderSize+5])
	assert.NotZero(t, got.LSN())
	mtr.Commit()

	assert.Equal(t, 1, bp.UsedPages(1))
}

func TestChecksumMismatch(t *testing.T) {
	bp := NewBufferPool(4096)
	mtr := latch.NewMtr()
	p, err := bp.Allocate(mtr, 1, PageTypeIndex)
	require.NoError(t, err)
	mtr.Commit()

	// 绕过闩锁直接改写页内容
	bp.Lookup(p.ID()).Data()[100] ^= 0xFF

	mtr = latch.NewMtr()
	_, err = bp.GetPage(mtr, p.ID(), latch.S)
	assert.True(t, basic.IsCorruption(err))
	assert.Equal(t, 0, mtr.NumLatches())
	assert.Equal(t, uint64(1), bp.Stats().CorruptReads)
}

func TestFreeAndReuse(t *testing.T) {
	bp := NewBufferPool(4096)
	mtr := latch.NewMtr()
	p, err := bp.Allocate(mtr, 7, PageTypeBlob)
	require.NoError(t, err)
	mtr.Commit()

	// 未持有X闩锁不允许释放
	mtr = latch.NewMtr()
	assert.Error(t, bp.Free(mtr, p))
	_, err = bp.GetPage(mtr, p.ID(), latch.X)
	require.NoError(t, err)
	require.NoError(t, bp.Free(mtr, p))
	mtr.Commit()

	assert.True(t, bp.IsFree(p.ID()))
	assert.Equal(t, 0, bp.UsedPages(7))

	mtr = latch.NewMtr()
	_, err = bp.GetPage(mtr, p.ID(), latch.S)
	assert.True(t, basic.IsCorruption(err))

	q, err := bp.Allocate(mtr, 7, PageTypeUndoLog)
	require.NoError(t, err)
	mtr.Commit()
	assert.Equal(t, p.ID(), q.ID())
	assert.False(t, bp.IsFree(q.ID()))
}

func TestQuota(t *testing.T) {
	bp := NewBufferPool(4096)
	bp.SetQuota(3, 2)

	mtr := latch.NewMtr()
	defer mtr.Commit()
	_, err := bp.Allocate(mtr, 3, PageTypeIndex)
	require.NoError(t, err)
	assert.NoError(t, bp.Reserve(3, 1))
	_, err = bp.Allocate(mtr, 3, PageTypeIndex)
	require.NoError(t, err)

	assert.True(t, basic.IsOutOfSpace(bp.Reserve(3, 1)))
	_, err = bp.Allocate(mtr, 3, PageTypeIndex)
	assert.True(t, basic.IsOutOfSpace(err))

	bp.SetQuota(3, 0)
	assert.NoError(t, bp.Reserve(3, 100))
}
