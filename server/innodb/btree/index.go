package btree

import (
	gbtree "github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// DefaultMaxLeafRecords 叶子页记录数上限，超过后分裂
const DefaultMaxLeafRecords = 64

// 索引页头中维护的字段，位于文件头之后
const (
	pageNRecs    = buffer_pool.FilHeaderSize + 16
	pageMaxTrxID = buffer_pool.FilHeaderSize + 18
)

// SearchMode 定位方式
type SearchMode uint8

const (
	ModeGE SearchMode = iota
	ModeG
	ModeLE
	ModeL
	// modeExact 叶子按<=选取，页内定位到第一条>=key的记录，用于插入与按键删除
	modeExact
)

func (m SearchMode) String() string {
	switch m {
	case ModeGE:
		return "GE"
	case ModeG:
		return "G"
	case ModeLE:
		return "LE"
	case ModeL:
		return "L"
	}
	return "EXACT"
}

// leaf 叶子页。recs/next/modifyClock/maxTrxID/removed 受页闩锁保护；
// prev 与目录受索引树闩锁保护；low 创建后不再改变。
type leaf struct {
	page        *buffer_pool.Page
	low         record.Tuple
	recs        []*record.Record
	prev        *leaf
	next        *leaf
	modifyClock uint64
	maxTrxID    basic.TrxID
	removed     bool
}

// syncHeader 把叶子的链接与统计写回页头，持有X闩锁时调用
func (lf *leaf) syncHeader() {
	next := basic.FilNull
	if lf.next != nil {
		next = lf.next.page.PageNo()
	}
	lf.page.PutUint32(buffer_pool.FilPageNext, uint32(next))
	lf.page.PutUint16(pageNRecs, uint16(len(lf.recs)))
	lf.page.PutUint32(pageMaxTrxID, uint32(uint64(lf.maxTrxID)>>32))
	lf.page.PutUint32(pageMaxTrxID+4, uint32(lf.maxTrxID))
}

type treeKey struct {
	id uint64
}

// dirItem 目录项，按叶子的最小键排序。第一个叶子的low为nil，小于任何键。
// bias只用于查找时的虚拟键：-1排在所有同前缀键之前，+1排在之后。
type dirItem struct {
	low  record.Tuple
	bias int
	lf   *leaf
}

func (a *dirItem) Less(than gbtree.Item) bool {
	return compareDir(a, than.(*dirItem)) < 0
}

func compareDir(a, b *dirItem) int {
	switch {
	case a.low == nil && b.low == nil:
		return a.bias - b.bias
	case a.low == nil:
		return -1
	case b.low == nil:
		return 1
	}
	if c := record.ComparePrefix(a.low, b.low); c != 0 {
		return c
	}
	switch {
	case len(a.low) < len(b.low):
		if a.bias > 0 {
			return 1
		}
		return -1
	case len(a.low) > len(b.low):
		if b.bias > 0 {
			return -1
		}
		return 1
	}
	return a.bias - b.bias
}

// Options 索引参数
type Options struct {
	ID             uint64
	Name           string
	Space          basic.SpaceID
	NUnique        int // 唯一确定一条记录的前缀列数
	MaxLeafRecords int
}

// Index 内存中的B+树索引。叶子挂在缓冲池页上，共享页的闩锁、校验和与空间配额；
// 内部节点由google/btree实现的目录代替。
type Index struct {
	id      uint64
	name    string
	space   basic.SpaceID
	nUnique int
	maxRecs int

	bp      *buffer_pool.BufferPool
	tree    *latch.Latch
	treeKey treeKey
	dir     *gbtree.BTree
	first   *leaf
	log     *logrus.Entry
}

// NewIndex 创建只有一个空叶子的索引
func NewIndex(bp *buffer_pool.BufferPool, opts Options) (*Index, error) {
	if opts.NUnique <= 0 {
		return nil, errors.Wrapf(basic.ErrInvalidArgument, "index %s: unique prefix must be positive", opts.Name)
	}
	if opts.MaxLeafRecords <= 1 {
		opts.MaxLeafRecords = DefaultMaxLeafRecords
	}
	mtr := latch.NewMtr()
	defer mtr.Commit()
	p, err := bp.Allocate(mtr, opts.Space, buffer_pool.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	first := &leaf{page: p}
	first.syncHeader()

	idx := &Index{
		id:      opts.ID,
		name:    opts.Name,
		space:   opts.Space,
		nUnique: opts.NUnique,
		maxRecs: opts.MaxLeafRecords,
		bp:      bp,
		tree:    latch.NewLatch(),
		treeKey: treeKey{id: opts.ID},
		dir:     gbtree.New(8),
		first:   first,
		log:     logger.WithComponent("btree").WithField("index", opts.Name),
	}
	idx.dir.ReplaceOrInsert(&dirItem{lf: first})
	return idx, nil
}

func (i *Index) ID() uint64 {
	return i.id
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) Space() basic.SpaceID {
	return i.space
}

func (i *Index) NUnique() int {
	return i.nUnique
}

func (i *Index) BufferPool() *buffer_pool.BufferPool {
	return i.bp
}

// KeyOf 记录的唯一键
func (i *Index) KeyOf(rec *record.Record) record.Tuple {
	return rec.Key(i.nUnique)
}

func (i *Index) latchTree(mtr *latch.Mtr, mode latch.Mode) {
	mtr.Latch(i.tree, mode, i.treeKey, nil)
}

// findLeaf 在目录中找最后一个low不大于虚拟键(t,bias)的叶子，调用方持有树闩锁
func (i *Index) findLeaf(t record.Tuple, bias int) *leaf {
	if len(t) == 0 {
		if bias > 0 {
			return i.lastLeaf()
		}
		return i.first
	}
	var found *leaf
	i.dir.DescendLessOrEqual(&dirItem{low: t, bias: bias}, func(it gbtree.Item) bool {
		found = it.(*dirItem).lf
		return false
	})
	if found == nil {
		found = i.first
	}
	return found
}

func (i *Index) lastLeaf() *leaf {
	return i.dir.Max().(*dirItem).lf
}

// leafAfter 目录中low大于bad.low的第一个叶子
func (i *Index) leafAfter(bad *leaf) *leaf {
	var found *leaf
	i.dir.AscendGreaterOrEqual(&dirItem{low: bad.low, bias: 1}, func(it gbtree.Item) bool {
		if lf := it.(*dirItem).lf; lf != bad {
			found = lf
			return false
		}
		return true
	})
	return found
}

// leafBefore 目录中low小于bad.low的最后一个叶子
func (i *Index) leafBefore(bad *leaf) *leaf {
	if bad.low == nil {
		return nil
	}
	var found *leaf
	i.dir.DescendLessOrEqual(&dirItem{low: bad.low, bias: -1}, func(it gbtree.Item) bool {
		found = it.(*dirItem).lf
		return false
	})
	return found
}

// latchLeaf 获取叶子页闩锁，并确认叶子仍在树中
func (i *Index) latchLeaf(mtr *latch.Mtr, lf *leaf, mode latch.Mode) error {
	p, err := i.bp.GetPage(mtr, lf.page.ID(), mode)
	if err != nil {
		return err
	}
	if p != lf.page || lf.removed {
		mtr.Release(p.ID())
		return errors.Wrapf(basic.ErrCorruption, "index %s: leaf %s no longer in tree", i.name, lf.page.ID())
	}
	return nil
}

// position 页内定位
func (lf *leaf) position(t record.Tuple, mode SearchMode) int {
	n := len(lf.recs)
	// firstAtLeast 第一条满足cmp(rec,t)>=bound的记录
	firstAtLeast := func(bound int) int {
		lo, hi := 0, n
		for lo < hi {
			mid := int(uint(lo+hi) >> 1)
			if record.CompareRecord(lf.recs[mid], t) < bound {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo
	}
	if len(t) == 0 {
		if mode == ModeLE || mode == ModeL {
			return n
		}
		return -1
	}
	switch mode {
	case ModeGE, modeExact:
		return firstAtLeast(0)
	case ModeG:
		return firstAtLeast(1)
	case ModeLE:
		return firstAtLeast(1) - 1
	default:
		return firstAtLeast(0) - 1
	}
}

func searchBias(mode SearchMode) int {
	if mode == ModeG || mode == ModeLE || mode == modeExact {
		return 1
	}
	return -1
}

// Search 按模式定位并以lm模式闩住叶子。GE/G落在页尾时停在supremum，
// LE/L落在页首前时停在infimum，由调用方继续移动。
// 叶子损坏时返回的游标记录了损坏的叶子，可用SkipCorrupt越过。
func (i *Index) Search(mtr *latch.Mtr, t record.Tuple, mode SearchMode, lm latch.Mode) (*Cursor, error) {
	return i.search(mtr, t, mode, lm, false)
}

func (i *Index) search(mtr *latch.Mtr, t record.Tuple, mode SearchMode, lm latch.Mode, keepTree bool) (*Cursor, error) {
	heldTree := mtr.Holds(i.treeKey, latch.S)
	i.latchTree(mtr, latch.S)
	lf := i.findLeaf(t, searchBias(mode))
	c := &Cursor{index: i, mtr: mtr, mode: lm}
	err := i.latchLeaf(mtr, lf, lm)
	if !keepTree && !heldTree {
		mtr.Release(i.treeKey)
	}
	if err != nil {
		c.corrupt = lf
		return c, err
	}
	c.lf = lf
	c.pos = lf.position(t, mode)
	return c, nil
}

// OpenFirst 定位到第一个叶子的infimum
func (i *Index) OpenFirst(mtr *latch.Mtr, lm latch.Mode) (*Cursor, error) {
	return i.Search(mtr, nil, ModeGE, lm)
}

// OpenLast 定位到最后一个叶子的supremum
func (i *Index) OpenLast(mtr *latch.Mtr, lm latch.Mode) (*Cursor, error) {
	return i.Search(mtr, nil, ModeLE, lm)
}

// Len 记录总数（含删除标记的记录），用于统计与测试
func (i *Index) Len() (int, error) {
	n := 0
	err := i.Walk(func(*record.Record) bool {
		n++
		return true
	})
	return n, err
}

// NumLeaves 叶子页数量
func (i *Index) NumLeaves() int {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	i.latchTree(mtr, latch.S)
	return i.dir.Len()
}

// Walk 按键序遍历全部用户记录
func (i *Index) Walk(fn func(*record.Record) bool) error {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	c, err := i.OpenFirst(mtr, latch.S)
	if err != nil {
		return err
	}
	for {
		ok, err := c.MoveNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if c.IsUser() && !fn(c.Record()) {
			return nil
		}
	}
}
