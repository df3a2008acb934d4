package basic

import (
	"errors"
)

// 引擎对外暴露的错误类别，调用方使用 errors.Is 判断
var (
	ErrCorruption      = errors.New("data corruption")
	ErrOutOfSpace      = errors.New("out of file space")
	ErrLockWait        = errors.New("lock wait")
	ErrDeadlock        = errors.New("deadlock detected")
	ErrLockTimeout     = errors.New("lock wait timeout exceeded")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInterrupted     = errors.New("query interrupted")
	ErrTableMissing    = errors.New("table does not exist")
	ErrLOBNotReady     = errors.New("lob is being modified")
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateKey    = errors.New("duplicate key")
)

// IsCorruption 是否为数据损坏
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsOutOfSpace 是否为空间不足
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace)
}

func IsDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

func IsTableMissing(err error) bool {
	return errors.Is(err, ErrTableMissing)
}

// IsLOBNotReady LOB正在被其他事务写入，调用方应视为暂不可读而不是错误
func IsLOBNotReady(err error) bool {
	return errors.Is(err, ErrLOBNotReady)
}

func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
