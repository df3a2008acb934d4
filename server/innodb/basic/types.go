package basic

import (
	"fmt"
	"strings"
)

// SpaceID 表空间号
type SpaceID uint32

// PageNo 表空间内页号
type PageNo uint32

// TrxID 事务ID
type TrxID uint64

// TrxNo 事务提交序号，purge按此顺序推进
type TrxNo uint64

// FilNull 空页号，用于链表结尾
const FilNull PageNo = 0xFFFFFFFF

// PageID 全局页标识
type PageID struct {
	Space SpaceID
	Page  PageNo
}

func NewPageID(space SpaceID, page PageNo) PageID {
	return PageID{Space: space, Page: page}
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%d", id.Space, id.Page)
}

// IsolationLevel 事务隔离级别
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ-UNCOMMITTED"
	case ReadCommitted:
		return "READ-COMMITTED"
	case RepeatableRead:
		return "REPEATABLE-READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return fmt.Sprintf("ISOLATION(%d)", uint8(l))
}

// ParseIsolationLevel 解析配置中的隔离级别，兼容下划线与连字符写法
func ParseIsolationLevel(s string) (IsolationLevel, bool) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "READ-UNCOMMITTED":
		return ReadUncommitted, true
	case "READ-COMMITTED":
		return ReadCommitted, true
	case "REPEATABLE-READ":
		return RepeatableRead, true
	case "SERIALIZABLE":
		return Serializable, true
	}
	return RepeatableRead, false
}
