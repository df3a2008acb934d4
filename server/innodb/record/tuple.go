package record

import (
	"bytes"
	"strings"
)

// Tuple 搜索键或索引键，按列比较
type Tuple []Field

// NewTuple 由若干内联值构成的键
func NewTuple(values ...[]byte) Tuple {
	t := make(Tuple, len(values))
	for i, v := range values {
		if v == nil {
			t[i] = NullField()
		} else {
			t[i] = NewField(v)
		}
	}
	return t
}

// CompareField NULL小于任何非NULL值，其余按字节序
func CompareField(a, b Field) int {
	switch {
	case a.Null && b.Null:
		return 0
	case a.Null:
		return -1
	case b.Null:
		return 1
	}
	return bytes.Compare(a.Data, b.Data)
}

// ComparePrefix 只比较两者共有的前缀列，前缀相同返回0
func ComparePrefix(a, b Tuple) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareField(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Compare 完整比较，前缀相同时列数少的较小
func Compare(a, b Tuple) int {
	if c := ComparePrefix(a, b); c != 0 {
		return c
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// CompareRecord 用搜索键比较记录的前len(t)列
func CompareRecord(r *Record, t Tuple) int {
	return ComparePrefix(r.Key(len(t)), t)
}

func (t Tuple) Clone() Tuple {
	c := make(Tuple, len(t))
	for i, f := range t {
		c[i] = f.Clone()
	}
	return c
}

// Bytes 键的每一列，NULL为nil
func (t Tuple) Bytes() [][]byte {
	out := make([][]byte, len(t))
	for i, f := range t {
		if !f.Null {
			out[i] = f.Data
		}
	}
	return out
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, f := range t {
		if f.Null {
			parts[i] = "NULL"
		} else {
			parts[i] = string(f.Data)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}
