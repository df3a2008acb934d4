package row

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/dict"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/monitor"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/mvcc"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/record"
)

// Status 一次取行的结果
type Status uint8

const (
	RowFound Status = iota
	TableExhausted
	// LockWait 遇到锁冲突，调用方调用Resume等待后继续
	LockWait
	Error
)

func (s Status) String() string {
	switch s {
	case RowFound:
		return "ROW_FOUND"
	case TableExhausted:
		return "TABLE_EXHAUSTED"
	case LockWait:
		return "LOCK_WAIT"
	}
	return "ERROR"
}

// Direction 扫描方向
type Direction uint8

const (
	Forward Direction = iota
	Backward
)

// SelectLock 读取时对记录加的锁
type SelectLock uint8

const (
	LockNone SelectLock = iota // 一致性读
	LockShared
	LockExclusive
)

// ICPResult 下推条件的结果
type ICPResult uint8

const (
	ICPMatch ICPResult = iota
	ICPNoMatch
	// ICPOutOfRange 之后的记录都不会满足，结束扫描
	ICPOutOfRange
)

// IndexCondition 下推到索引的条件。rec为索引记录，聚簇索引上为可见的版本。
type IndexCondition func(ix *dict.Index, rec *record.Record) ICPResult

// Prebuilt 一次索引扫描的参数与跨调用保持的状态
type Prebuilt struct {
	Table *dict.Table
	Index *dict.Index
	Trx   *mvcc.Trx

	// SearchTuple 为空时从索引一端开始
	SearchTuple record.Tuple
	Mode        btree.SearchMode
	// MatchPrefix 记录的前缀与SearchTuple不同即结束
	MatchPrefix bool
	Direction   Direction
	SelectLock  SelectLock
	ICP         IndexCondition
	// Limit 大于0时最多返回的行数，扫描会多读一行来设置HasMore
	Limit int
	// SemiConsistent 读已提交下的加锁读遇到冲突时，先看最后提交的版本是否满足条件
	SemiConsistent bool
	// IndexOnly 二级索引已包含所需的全部列
	IndexOnly bool
	// Columns 需要的表列，nil表示全部
	Columns []int

	// PrefetchSize 连续返回PrefetchThreshold行之后，每次从索引上成批读取的行数
	PrefetchSize      int
	PrefetchThreshold int

	HasMore bool

	view        *mvcc.ReadView
	started     bool
	exhausted   bool
	pcur        *btree.PCursor
	reprocess   bool
	waitReq     *lock.Request
	cache       []*cachedRow
	lastEmitted *btree.PCursor
	consecutive int
	produced    int
}

type cachedRow struct {
	row *Row
	pos *btree.PCursor
}

// NewPrebuilt 在ix上从头开始的正向一致性读
func NewPrebuilt(trx *mvcc.Trx, ix *dict.Index) *Prebuilt {
	return &Prebuilt{Table: ix.Table, Index: ix, Trx: trx, Mode: btree.ModeGE}
}

func (pb *Prebuilt) wants(col int) bool {
	if pb.Columns == nil {
		return true
	}
	for _, c := range pb.Columns {
		if c == col {
			return true
		}
	}
	return false
}

func (pb *Prebuilt) icp(ix *dict.Index, rec *record.Record) ICPResult {
	if pb.ICP == nil {
		return ICPMatch
	}
	return pb.ICP(ix, rec)
}

// lockMode 可串行化下的普通读按共享锁读处理
func (pb *Prebuilt) lockMode() (lock.Mode, bool) {
	switch {
	case pb.SelectLock == LockExclusive:
		return lock.ModeX, true
	case pb.SelectLock == LockShared, pb.Trx.Isolation == basic.Serializable:
		return lock.ModeS, true
	}
	return lock.ModeS, false
}

// uniqueSearch 聚簇索引上按完整主键等值查找，最多一行
func (pb *Prebuilt) uniqueSearch() bool {
	return pb.Index.Clustered && pb.MatchPrefix && pb.Mode == btree.ModeGE &&
		len(pb.SearchTuple) >= pb.Index.NUnique
}

func (pb *Prebuilt) lockType() lock.Type {
	if pb.Trx.Isolation <= basic.ReadCommitted || pb.uniqueSearch() {
		return lock.RecNotGap
	}
	return lock.Ordinary
}

func (pb *Prebuilt) gapLocking() bool {
	return pb.Trx.Isolation >= basic.RepeatableRead
}

type step uint8

const (
	stepSkip step = iota
	stepStop
	stepWait
	stepMatch
)

// candidate 在索引上找到的满足条件的记录。entry不为nil时还需回表。
type candidate struct {
	ix    *dict.Index
	rec   *record.Record
	entry *record.Record
	pos   *btree.PCursor
}

// Searcher 行搜索
type Searcher struct {
	env       *Env
	formatter RowFormatter
}

// NewSearcher f为nil时使用DefaultFormatter
func NewSearcher(env *Env, f RowFormatter) *Searcher {
	if f == nil {
		f = NewDefaultFormatter(env)
	}
	return &Searcher{env: env, formatter: f}
}

// Open 重置扫描状态，保留参数
func (s *Searcher) Open(pb *Prebuilt) {
	s.Close(pb)
	pb.view = nil
	pb.started = false
	pb.exhausted = false
	pb.pcur = nil
	pb.reprocess = false
	pb.cache = nil
	pb.lastEmitted = nil
	pb.consecutive = 0
	pb.produced = 0
	pb.HasMore = false
}

// Close 放弃尚未完成的锁等待
func (s *Searcher) Close(pb *Prebuilt) {
	if pb.waitReq != nil {
		s.env.Locks.Cancel(pb.waitReq)
		pb.waitReq = nil
	}
}

// EndStatement 读已提交及以下每条语句使用新的读视图
func (s *Searcher) EndStatement(trx *mvcc.Trx) {
	if trx.Isolation <= basic.ReadCommitted {
		s.env.TrxSys.CloseReadView(trx)
	}
}

// SetDirection 改变扫描方向。预读的行被丢弃，从上一次返回的行开始反向移动。
func (s *Searcher) SetDirection(pb *Prebuilt, d Direction) {
	if d == pb.Direction {
		return
	}
	s.Close(pb)
	pb.Direction = d
	pb.cache = nil
	pb.consecutive = 0
	pb.exhausted = false
	pb.reprocess = false
	if pb.lastEmitted != nil {
		pb.pcur = pb.lastEmitted
		return
	}
	pb.started = false
	pb.pcur = nil
}

// Search 取下一行。返回LockWait时扫描位置已保存，Resume等到锁后从同一条记录继续。
func (s *Searcher) Search(ctx context.Context, pb *Prebuilt) (Status, *Row, error) {
	if len(pb.cache) > 0 {
		s.env.Monitor.Inc(monitor.RowsFromCache)
		return RowFound, s.pop(pb), nil
	}
	if pb.waitReq != nil {
		return LockWait, nil, nil
	}
	if pb.exhausted {
		return TableExhausted, nil, nil
	}
	if _, locking := pb.lockMode(); !locking && pb.Trx.Isolation != basic.ReadUncommitted && pb.view == nil {
		pb.view = s.env.TrxSys.AssignReadView(pb.Trx)
	}

	want := 1
	if pb.PrefetchSize > 1 && pb.consecutive >= pb.PrefetchThreshold {
		want = pb.PrefetchSize
	}
	var batch []*cachedRow
	for len(batch) < want && !pb.exhausted {
		lookahead := pb.Limit > 0 && pb.produced >= pb.Limit
		st, cr, err := s.fetchRow(ctx, pb, lookahead)
		if err != nil {
			return Error, nil, err
		}
		if st == LockWait {
			if len(batch) > 0 {
				break
			}
			return LockWait, nil, nil
		}
		if st == TableExhausted {
			break
		}
		if lookahead {
			pb.HasMore = true
			pb.exhausted = true
			break
		}
		pb.produced++
		batch = append(batch, cr)
	}
	if len(batch) == 0 {
		return TableExhausted, nil, nil
	}
	pb.cache = batch
	return RowFound, s.pop(pb), nil
}

func (s *Searcher) pop(pb *Prebuilt) *Row {
	cr := pb.cache[0]
	pb.cache = pb.cache[1:]
	pb.lastEmitted = cr.pos
	pb.consecutive++
	return cr.row
}

// Resume 等待Search返回的锁，得到后继续搜索
func (s *Searcher) Resume(ctx context.Context, pb *Prebuilt) (Status, *Row, error) {
	req := pb.waitReq
	if req == nil || len(pb.cache) > 0 {
		return s.Search(ctx, pb)
	}
	pb.waitReq = nil
	if err := s.env.Locks.Wait(ctx, req, s.env.LockWaitTimeout); err != nil {
		pb.reprocess = false
		return Error, nil, err
	}
	return s.Search(ctx, pb)
}

// Next Search并自动等待锁
func (s *Searcher) Next(ctx context.Context, pb *Prebuilt) (Status, *Row, error) {
	st, row, err := s.Search(ctx, pb)
	for st == LockWait {
		st, row, err = s.Resume(ctx, pb)
	}
	return st, row, err
}

// fetchRow 找到下一条满足条件的记录并格式化。lookahead为true时只判断是否存在。
func (s *Searcher) fetchRow(ctx context.Context, pb *Prebuilt, lookahead bool) (Status, *cachedRow, error) {
	for {
		cand, st, err := s.scan(ctx, pb)
		if err != nil {
			return Error, nil, err
		}
		switch st {
		case stepStop:
			pb.exhausted = true
			return TableExhausted, nil, nil
		case stepWait:
			return LockWait, nil, nil
		}

		// 以下不持有任何闩锁
		rec, ix := cand.rec, cand.ix
		if cand.entry != nil {
			clust, st, err := s.lookupClustered(ctx, pb, cand.entry)
			if err != nil {
				return Error, nil, err
			}
			switch st {
			case stepSkip:
				continue
			case stepWait:
				pb.pcur = cand.pos
				pb.reprocess = true
				return LockWait, nil, nil
			}
			rec, ix = clust, pb.Table.Clustered
			if pb.IndexOnly {
				// 索引项已与可见版本核对过，只需要索引列
				rec, ix = cand.entry, cand.ix
			}
		}
		if pb.uniqueSearch() {
			pb.exhausted = true
		}
		if lookahead {
			return RowFound, nil, nil
		}
		row, err := s.formatter.Format(ctx, pb, ix, rec)
		if err != nil {
			return Error, nil, err
		}
		return RowFound, &cachedRow{row: row, pos: cand.pos}, nil
	}
}

// scan 在一个mtr内沿索引移动，直到找到候选记录、需要等锁或扫描结束
func (s *Searcher) scan(ctx context.Context, pb *Prebuilt) (*candidate, step, error) {
	mtr := latch.NewMtr()
	defer mtr.Commit()
	forward := pb.Direction == Forward

	c, ok, err := s.position(mtr, pb)
	for {
		if err != nil {
			if !basic.IsCorruption(err) || s.env.ForceRecovery == 0 || c == nil {
				return nil, stepSkip, err
			}
			if page, has := c.CorruptPage(); has {
				s.env.log.Warnf("index %s: skipping corrupt page %s", pb.Index, page)
			}
			s.env.Monitor.Inc(monitor.CorruptPagesSkipped)
			ok, err = c.SkipCorrupt(forward)
			continue
		}
		if !ok {
			return nil, stepStop, nil
		}
		if err := interrupted(ctx); err != nil {
			return nil, stepSkip, err
		}

		var cand *candidate
		var st step
		cand, st, err = s.evaluate(ctx, c, pb)
		if err != nil {
			return nil, stepSkip, err
		}
		switch st {
		case stepMatch, stepWait:
			pos := c.Store()
			pb.pcur = pos
			pb.reprocess = st == stepWait
			if cand != nil {
				cand.pos = pos
			}
			return cand, st, nil
		case stepStop:
			return nil, stepStop, nil
		}
		ok, err = s.advance(c, forward)
	}
}

func (s *Searcher) advance(c *btree.Cursor, forward bool) (bool, error) {
	if forward {
		return c.MoveNext()
	}
	return c.MovePrev()
}

// position 首次调用时定位，之后恢复保存的位置并移到下一条待处理的记录
func (s *Searcher) position(mtr *latch.Mtr, pb *Prebuilt) (*btree.Cursor, bool, error) {
	forward := pb.Direction == Forward
	tree := pb.Index.Tree
	if !pb.started || pb.pcur == nil {
		pb.started = true
		var c *btree.Cursor
		var err error
		switch {
		case len(pb.SearchTuple) == 0 && forward:
			c, err = tree.OpenFirst(mtr, latch.S)
		case len(pb.SearchTuple) == 0:
			c, err = tree.OpenLast(mtr, latch.S)
		default:
			c, err = tree.Search(mtr, pb.SearchTuple, pb.Mode, latch.S)
		}
		return c, err == nil, err
	}

	c, same, err := pb.pcur.Restore(mtr, latch.S)
	if err != nil {
		return c, false, err
	}
	reprocess := pb.reprocess
	pb.reprocess = false
	switch {
	case same && reprocess:
		return c, true, nil
	case same || forward:
		ok, err := s.advance(c, forward)
		return c, ok, err
	}
	// 反向扫描时原记录已不在，恢复的位置就是下一条待处理的记录
	return c, true, nil
}

// evaluate 在闩锁保护下判断当前记录
func (s *Searcher) evaluate(ctx context.Context, c *btree.Cursor, pb *Prebuilt) (*candidate, step, error) {
	ix := pb.Index
	rec := c.Record()
	mode, locking := pb.lockMode()
	forward := pb.Direction == Forward

	if rec.IsInfimum() {
		return nil, stepSkip, nil
	}
	if rec.IsSupremum() {
		// 只有最后一个叶子的supremum代表索引末尾的间隙
		if locking && forward && pb.gapLocking() && c.IsLastLeaf() {
			return s.lockGap(pb, supremumID(ix), mode, stepSkip)
		}
		return nil, stepSkip, nil
	}
	if pb.MatchPrefix && len(pb.SearchTuple) > 0 && record.CompareRecord(rec, pb.SearchTuple) != 0 {
		if locking && forward && pb.gapLocking() {
			return s.lockGap(pb, recordID(ix, ix.Key(rec)), mode, stepStop)
		}
		return nil, stepStop, nil
	}
	s.env.Monitor.Inc(monitor.RowsRead)

	if locking {
		req, err := s.env.Locks.Lock(pb.Trx.ID, recordID(ix, ix.Key(rec)), mode, pb.lockType())
		if err != nil {
			return nil, stepSkip, err
		}
		if req.Status() == lock.Waiting {
			if skip, err := s.semiConsistentSkip(ctx, pb, rec, req); err != nil || skip {
				return nil, stepSkip, err
			}
			pb.waitReq = req
			s.env.Monitor.Inc(monitor.LockWaits)
			return nil, stepWait, nil
		}
		if rec.DeleteMarked {
			s.env.Monitor.Inc(monitor.RowsDeleteMarkedSkipped)
			return nil, stepSkip, nil
		}
		if st := s.checkICP(pb, ix, rec); st != stepMatch {
			return nil, st, nil
		}
		if ix.Clustered {
			return &candidate{ix: ix, rec: rec}, stepMatch, nil
		}
		// 加锁读总要回表锁住聚簇记录
		return &candidate{ix: ix, rec: rec, entry: rec}, stepMatch, nil
	}

	iso := pb.Trx.Isolation
	if ix.Clustered {
		ver := rec
		if iso != basic.ReadUncommitted && !pb.view.ChangesVisible(rec.TrxID) {
			var err error
			ver, err = s.env.BuildForConsistentRead(ctx, rec, pb.view)
			if err != nil {
				return nil, stepSkip, err
			}
			if ver == nil {
				s.env.Monitor.Inc(monitor.RowsInvisible)
				return nil, stepSkip, nil
			}
		}
		if ver.DeleteMarked {
			s.env.Monitor.Inc(monitor.RowsDeleteMarkedSkipped)
			return nil, stepSkip, nil
		}
		if st := s.checkICP(pb, ix, ver); st != stepMatch {
			return nil, st, nil
		}
		return &candidate{ix: ix, rec: ver}, stepMatch, nil
	}

	// 二级索引记录没有版本，页上最大事务ID足够旧时才能直接使用
	visible := iso == basic.ReadUncommitted || pb.view.SecondaryPageVisible(c.MaxTrxID())
	if visible && rec.DeleteMarked {
		s.env.Monitor.Inc(monitor.RowsDeleteMarkedSkipped)
		return nil, stepSkip, nil
	}
	if st := s.checkICP(pb, ix, rec); st != stepMatch {
		return nil, st, nil
	}
	if visible && pb.IndexOnly {
		return &candidate{ix: ix, rec: rec}, stepMatch, nil
	}
	return &candidate{ix: ix, rec: rec, entry: rec}, stepMatch, nil
}

func (s *Searcher) checkICP(pb *Prebuilt, ix *dict.Index, rec *record.Record) step {
	switch pb.icp(ix, rec) {
	case ICPNoMatch:
		return stepSkip
	case ICPOutOfRange:
		return stepStop
	}
	return stepMatch
}

// lockGap 加间隙锁，得到后返回next
func (s *Searcher) lockGap(pb *Prebuilt, id lock.RecordID, mode lock.Mode, next step) (*candidate, step, error) {
	req, err := s.env.Locks.Lock(pb.Trx.ID, id, mode, lock.Gap)
	if err != nil {
		return nil, stepSkip, err
	}
	if req.Status() == lock.Waiting {
		pb.waitReq = req
		s.env.Monitor.Inc(monitor.LockWaits)
		return nil, stepWait, nil
	}
	return nil, next, nil
}

// semiConsistentSkip 最后提交的版本不满足条件时放弃等待，直接跳过该记录
func (s *Searcher) semiConsistentSkip(ctx context.Context, pb *Prebuilt, rec *record.Record, req *lock.Request) (bool, error) {
	if !pb.SemiConsistent || pb.Trx.Isolation > basic.ReadCommitted || !pb.Index.Clustered {
		return false, nil
	}
	ver, err := s.env.BuildForSemiConsistentRead(ctx, rec, pb.Trx.ID)
	if err != nil {
		s.env.Locks.Cancel(req)
		return false, err
	}
	if ver != nil && !ver.DeleteMarked && pb.icp(pb.Index, ver) == ICPMatch {
		return false, nil
	}
	s.env.Locks.Cancel(req)
	s.env.Monitor.Inc(monitor.SemiConsistentReads)
	return true, nil
}

// lookupClustered 用二级索引项回表。调用时不持有二级索引的闩锁。
func (s *Searcher) lookupClustered(ctx context.Context, pb *Prebuilt, entry *record.Record) (*record.Record, step, error) {
	t := pb.Table
	pk := pb.Index.PKOf(entry)
	mtr := latch.NewMtr()
	defer mtr.Commit()

	c, found, err := openClustered(mtr, t, pk, latch.S)
	if err != nil {
		return nil, stepSkip, errors.WithMessagef(err, "lookup %s from %s", pk, pb.Index)
	}
	if !found {
		// 二级索引项还没被purge，聚簇记录已经没了
		s.env.Monitor.Inc(monitor.SecondaryPurged)
		return nil, stepSkip, nil
	}
	clust := c.Record()

	if mode, locking := pb.lockMode(); locking {
		req, err := s.env.Locks.Lock(pb.Trx.ID, recordID(t.Clustered, pk), mode, lock.RecNotGap)
		if err != nil {
			return nil, stepSkip, err
		}
		if req.Status() == lock.Waiting {
			pb.waitReq = req
			s.env.Monitor.Inc(monitor.LockWaits)
			return nil, stepWait, nil
		}
		if clust.DeleteMarked || !pb.Index.EntryMatches(entry, clust) {
			s.env.Monitor.Inc(monitor.SecondaryStale)
			return nil, stepSkip, nil
		}
		return clust, stepMatch, nil
	}

	ver := clust
	if pb.Trx.Isolation != basic.ReadUncommitted && !pb.view.ChangesVisible(clust.TrxID) {
		ver, err = s.env.BuildForConsistentRead(ctx, clust, pb.view)
		if err != nil {
			return nil, stepSkip, err
		}
		if ver == nil {
			s.env.Monitor.Inc(monitor.RowsInvisible)
			return nil, stepSkip, nil
		}
	}
	if ver.DeleteMarked {
		s.env.Monitor.Inc(monitor.RowsDeleteMarkedSkipped)
		return nil, stepSkip, nil
	}
	if !pb.Index.EntryMatches(entry, ver) {
		s.env.Monitor.Inc(monitor.SecondaryStale)
		return nil, stepSkip, nil
	}
	return ver, stepMatch, nil
}
