package util

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortBuffer 反序列化时数据不足
var ErrShortBuffer = errors.New("short buffer")

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

// WriteUB4 大端写入4字节
func WriteUB4(buf []byte, i uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, i)
}

// WriteUB8 大端写入8字节
func WriteUB8(buf []byte, i uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, i)
}

func WriteUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// WriteLenBytes 先写长度再写内容
func WriteLenBytes(buf []byte, from []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(from)))
	return append(buf, from...)
}

func ReadByte(buff []byte, cursor int) (int, byte, error) {
	if cursor+1 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	return cursor + 1, buff[cursor], nil
}

func ReadUB4(buff []byte, cursor int) (int, uint32, error) {
	if cursor+4 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	return cursor + 4, binary.BigEndian.Uint32(buff[cursor:]), nil
}

func ReadUB8(buff []byte, cursor int) (int, uint64, error) {
	if cursor+8 > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	return cursor + 8, binary.BigEndian.Uint64(buff[cursor:]), nil
}

func ReadUvarint(buff []byte, cursor int) (int, uint64, error) {
	if cursor > len(buff) {
		return cursor, 0, ErrShortBuffer
	}
	v, n := binary.Uvarint(buff[cursor:])
	if n <= 0 {
		return cursor, 0, ErrShortBuffer
	}
	return cursor + n, v, nil
}

// ReadLenBytes 读取WriteLenBytes写入的内容，返回的切片引用原缓冲区
func ReadLenBytes(buff []byte, cursor int) (int, []byte, error) {
	next, n, err := ReadUvarint(buff, cursor)
	if err != nil {
		return cursor, nil, err
	}
	if uint64(len(buff)-next) < n {
		return cursor, nil, ErrShortBuffer
	}
	end := next + int(n)
	return end, buff[next:end], nil
}
