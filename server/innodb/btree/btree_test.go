package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lob"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

const testSpace basic.SpaceID = 3

func key(n int) []byte {
	return []byte(fmt.Sprintf("k%04d", n))
}

func newTestIndex(t *testing.T, maxRecs int) (*Index, *buffer_pool.BufferPool) {
	bp := buffer_pool.NewBufferPool(4096)
	idx, err := NewIndex(bp, Options{ID: 1, Name: "PRIMARY", Space: testSpace, NUnique: 1, MaxLeafRecords: maxRecs})
	require.NoError(t, err)
	return idx, bp
}

// fill 插入偶数键0,2,4...
func fill(t *testing.T, idx *Index, n int) {
	ctx := context.Background()
	for i := n - 1; i >= 0; i-- {
		rec := record.NewRecord(record.NewField(key(2*i)), record.NewField([]byte("v")))
		rec.TrxID = basic.TrxID(i + 1)
		require.NoError(t, idx.Insert(ctx, rec))
	}
}

func collectForward(t *testing.T, c *Cursor) []string {
	var out []string
	for {
		if c.IsUser() {
			out = append(out, string(c.Record().Fields[0].Data))
		}
		ok, err := c.MoveNext()
		require.NoError(t, err)
		if !ok {
			return out
		}
	}
}

func TestInsertAndScan(t *testing.T) {
	idx, _ := newTestIndex(t, 4)
	fill(t, idx, 50)

	n, err := idx.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Greater(t, idx.NumLeaves(), 10)

	t.Run("重复键", func(t *testing.T) {
		err := idx.Insert(context.Background(), record.NewRecord(record.NewField(key(10))))
		assert.True(t, basic.IsDuplicateKey(err))
	})

	t.Run("正向遍历有序", func(t *testing.T) {
		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, err := idx.OpenFirst(mtr, latch.S)
		require.NoError(t, err)
		got := collectForward(t, c)
		require.Len(t, got, 50)
		for i := range got {
			assert.Equal(t, string(key(2*i)), got[i])
		}
		assert.LessOrEqual(t, mtr.NumLatches(), 1)
	})

	t.Run("反向遍历有序", func(t *testing.T) {
		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, err := idx.OpenLast(mtr, latch.S)
		require.NoError(t, err)
		var got []string
		for {
			if c.IsUser() {
				got = append(got, string(c.Record().Fields[0].Data))
			}
			ok, err := c.MovePrev()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
		require.Len(t, got, 50)
		assert.Equal(t, string(key(98)), got[0])
		assert.Equal(t, string(key(0)), got[49])
	})
}

func TestSearchModes(t *testing.T) {
	idx, _ := newTestIndex(t, 4)
	fill(t, idx, 30)

	firstUser := func(t *testing.T, c *Cursor, forward bool) string {
		for !c.IsUser() {
			var ok bool
			var err error
			if forward {
				ok, err = c.MoveNext()
			} else {
				ok, err = c.MovePrev()
			}
			require.NoError(t, err)
			if !ok {
				return ""
			}
		}
		return string(c.Record().Fields[0].Data)
	}

	cases := []struct {
		name    string
		key     []byte
		mode    SearchMode
		forward bool
		want    string
	}{
		{"GE命中", key(10), ModeGE, true, string(key(10))},
		{"GE不存在", key(11), ModeGE, true, string(key(12))},
		{"G命中", key(10), ModeG, true, string(key(12))},
		{"LE命中", key(10), ModeLE, false, string(key(10))},
		{"LE不存在", key(11), ModeLE, false, string(key(10))},
		{"L命中", key(10), ModeL, false, string(key(8))},
		{"GE越过末尾", key(99), ModeGE, true, ""},
		{"L在开头之前", key(0), ModeL, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mtr := latch.NewMtr()
			defer mtr.Commit()
			c, err := idx.Search(mtr, record.NewTuple(tc.key), tc.mode, latch.S)
			require.NoError(t, err)
			assert.Equal(t, tc.want, firstUser(t, c, tc.forward))
		})
	}
}

func TestPersistentCursor(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 4)
	fill(t, idx, 20)

	store := func(k []byte) *PCursor {
		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, err := idx.Search(mtr, record.NewTuple(k), ModeGE, latch.S)
		require.NoError(t, err)
		require.True(t, c.IsUser())
		return c.Store()
	}

	t.Run("未修改时乐观恢复", func(t *testing.T) {
		pc := store(key(10))
		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, same, err := pc.Restore(mtr, latch.S)
		require.NoError(t, err)
		assert.True(t, same)
		assert.Equal(t, key(10), c.Record().Fields[0].Data)
	})

	t.Run("叶子被修改后按键恢复", func(t *testing.T) {
		pc := store(key(10))
		require.NoError(t, idx.Insert(ctx, record.NewRecord(record.NewField(key(9)))))
		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, same, err := pc.Restore(mtr, latch.S)
		require.NoError(t, err)
		assert.True(t, same)
		assert.Equal(t, key(10), c.Record().Fields[0].Data)
	})

	t.Run("记录已删除时停在前一条", func(t *testing.T) {
		pc := store(key(14))
		res, err := idx.DeletePessimistic(ctx, record.NewTuple(key(14)), nil)
		require.NoError(t, err)
		require.Equal(t, Deleted, res)

		mtr := latch.NewMtr()
		defer mtr.Commit()
		c, same, err := pc.Restore(mtr, latch.S)
		require.NoError(t, err)
		assert.False(t, same)
		assert.Equal(t, key(12), c.Record().Fields[0].Data)
		ok, err := c.MoveNext()
		require.NoError(t, err)
		require.True(t, ok)
		for !c.IsUser() {
			_, err = c.MoveNext()
			require.NoError(t, err)
		}
		assert.Equal(t, key(16), c.Record().Fields[0].Data)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	idx, bp := newTestIndex(t, 4)
	fill(t, idx, 12)
	leaves := idx.NumLeaves()
	used := bp.UsedPages(testSpace)

	t.Run("检查函数拒绝", func(t *testing.T) {
		res, err := idx.DeleteOptimistic(ctx, record.NewTuple(key(0)), func(*latch.Mtr, *Cursor) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, Skipped, res)
	})

	t.Run("不存在", func(t *testing.T) {
		res, err := idx.DeleteOptimistic(ctx, record.NewTuple(key(1)), nil)
		require.NoError(t, err)
		assert.Equal(t, NotFound, res)
	})

	t.Run("清空叶子需要改树", func(t *testing.T) {
		mtr := latch.NewMtr()
		c, err := idx.OpenLast(mtr, latch.S)
		require.NoError(t, err)
		var last []record.Tuple
		for _, r := range c.lf.recs {
			last = append(last, idx.KeyOf(r).Clone())
		}
		mtr.Commit()
		require.NotEmpty(t, last)

		for j, k := range last {
			res, err := idx.DeleteOptimistic(ctx, k, nil)
			require.NoError(t, err)
			if j < len(last)-1 {
				assert.Equal(t, Deleted, res)
				continue
			}
			assert.Equal(t, NeedsTree, res)
			res, err = idx.DeletePessimistic(ctx, k, nil)
			require.NoError(t, err)
			assert.Equal(t, Deleted, res)
		}
		assert.Equal(t, leaves-1, idx.NumLeaves())
		assert.Equal(t, used-1, bp.UsedPages(testSpace))
	})

	t.Run("空间不足", func(t *testing.T) {
		bp.SetQuota(testSpace, bp.UsedPages(testSpace))
		_, err := idx.DeletePessimistic(ctx, record.NewTuple(key(2)), nil)
		assert.True(t, basic.IsOutOfSpace(err))
		bp.SetQuota(testSpace, 0)
		res, err := idx.DeletePessimistic(ctx, record.NewTuple(key(2)), nil)
		require.NoError(t, err)
		assert.Equal(t, Deleted, res)
	})
}

func TestSkipCorruptLeaf(t *testing.T) {
	idx, bp := newTestIndex(t, 4)
	fill(t, idx, 20)

	// 破坏第二个叶子
	mtr := latch.NewMtr()
	c, err := idx.OpenFirst(mtr, latch.S)
	require.NoError(t, err)
	second := c.lf.next
	mtr.Commit()
	victim := second.page.ID()
	bp.Lookup(victim).Data()[200] ^= 0xFF

	mtr = latch.NewMtr()
	defer mtr.Commit()
	c, err = idx.OpenFirst(mtr, latch.S)
	require.NoError(t, err)
	seen := 0
	skipped := 0
	for {
		if c.IsUser() {
			seen++
		}
		ok, err := c.MoveNext()
		if err != nil {
			require.True(t, basic.IsCorruption(err))
			id, has := c.CorruptPage()
			require.True(t, has)
			assert.Equal(t, victim, id)
			ok, err = c.SkipCorrupt(true)
			require.NoError(t, err)
			skipped++
		}
		if !ok {
			break
		}
	}
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 20-len(second.recs), seen)
	assert.Equal(t, uint64(1), bp.Stats().CorruptReads)
}

func TestRefField(t *testing.T) {
	ctx := context.Background()
	idx, _ := newTestIndex(t, 4)
	ref := lob.Ref{Space: 9, Page: 4, Offset: 38, Flags: lob.FlagOwner.WithLength(10)}
	require.NoError(t, idx.Insert(ctx, record.NewRecord(record.NewField(key(1)), record.ExternField(ref.Encode()))))

	mtr := latch.NewMtr()
	c, err := idx.Search(mtr, record.NewTuple(key(1)), ModeGE, latch.S)
	require.NoError(t, err)
	before := c.Record()
	f := c.RefField(1)
	got, err := f.Ref()
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.Error(t, f.SetRef(mtr, ref.SetOwner(false)), "S latch is not enough")
	mtr.Commit()

	mtr = latch.NewMtr()
	c, err = idx.Search(mtr, record.NewTuple(key(1)), ModeGE, latch.X)
	require.NoError(t, err)
	require.NoError(t, c.RefField(1).SetRef(mtr, ref.SetOwner(false)))
	after, err := lob.Decode(c.Record().Fields[1].Data)
	require.NoError(t, err)
	mtr.Commit()

	assert.False(t, after.IsOwner())
	old, err := lob.Decode(before.Fields[1].Data)
	require.NoError(t, err)
	assert.True(t, old.IsOwner(), "records already handed out are not mutated")

	_, err = c.RefField(0).Ref()
	assert.ErrorIs(t, err, basic.ErrInvalidArgument)
}
