package mvcc

import (
	"sort"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// ReadView MVCC读视图
type ReadView struct {
	activeIDs    []basic.TrxID // 创建ReadView时的活跃事务ID列表，有序，不含创建者
	upLimitID    basic.TrxID   // 小于它的事务一定可见
	lowLimitID   basic.TrxID   // 系统将分配给下一个事务的ID，大于等于它的一定不可见
	lowLimitNo   basic.TrxNo   // 提交序号小于它的事务的undo不再被本视图需要
	creatorTrxID basic.TrxID   // 创建该ReadView的事务ID
}

// NewReadView 创建新的ReadView
func NewReadView(activeIDs []basic.TrxID, lowLimitID basic.TrxID, lowLimitNo basic.TrxNo, creatorTrxID basic.TrxID) *ReadView {
	ids := make([]basic.TrxID, 0, len(activeIDs))
	for _, id := range activeIDs {
		if id != creatorTrxID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	up := lowLimitID
	if len(ids) > 0 {
		up = ids[0]
	}
	return &ReadView{
		activeIDs:    ids,
		upLimitID:    up,
		lowLimitID:   lowLimitID,
		lowLimitNo:   lowLimitNo,
		creatorTrxID: creatorTrxID,
	}
}

// ChangesVisible 判断给定事务所做的修改是否对当前视图可见
func (rv *ReadView) ChangesVisible(trxID basic.TrxID) bool {
	// 如果版本是由当前事务创建的，则可见
	if trxID == rv.creatorTrxID {
		return true
	}
	if trxID < rv.upLimitID {
		return true
	}
	if trxID >= rv.lowLimitID {
		return false
	}
	// 如果版本ID在活跃事务列表中，则不可见
	i := sort.Search(len(rv.activeIDs), func(i int) bool { return rv.activeIDs[i] >= trxID })
	return i == len(rv.activeIDs) || rv.activeIDs[i] != trxID
}

// SecondaryPageVisible 二级索引页上最大修改事务ID小于upLimit时，页内所有记录都可见
func (rv *ReadView) SecondaryPageVisible(maxTrxID basic.TrxID) bool {
	return maxTrxID < rv.upLimitID
}

// ActiveIDs 获取活跃事务ID列表
func (rv *ReadView) ActiveIDs() []basic.TrxID {
	return rv.activeIDs
}

func (rv *ReadView) UpLimitID() basic.TrxID {
	return rv.upLimitID
}

func (rv *ReadView) LowLimitID() basic.TrxID {
	return rv.lowLimitID
}

func (rv *ReadView) LowLimitNo() basic.TrxNo {
	return rv.lowLimitNo
}

func (rv *ReadView) CreatorTrxID() basic.TrxID {
	return rv.creatorTrxID
}

func (rv *ReadView) Clone() *ReadView {
	c := *rv
	c.activeIDs = append([]basic.TrxID(nil), rv.activeIDs...)
	return &c
}
