package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashFields 对多列组成的键求Hash，列之间插入长度避免拼接歧义
func HashFields(fields [][]byte) uint64 {
	h := xxhash.New64()
	var lenBuf [4]byte
	for _, f := range fields {
		n := len(f)
		lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		h.Write(lenBuf[:])
		h.Write(f)
	}
	return h.Sum64()
}
