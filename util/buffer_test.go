package util

import (
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
)

func TestBufferRoundTrip(t *testing.T) {
	var buf []byte
	buf = WriteByte(buf, 7)
	buf = WriteUB4(buf, 0xDEADBEEF)
	buf = WriteUB8(buf, 1<<40)
	buf = WriteUvarint(buf, 300)
	buf = WriteLenBytes(buf, []byte("abc"))

	c, b, err := ReadByte(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, byte(7), b)
	c, u4, err := ReadUB4(buf, c)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u4)
	c, u8, err := ReadUB8(buf, c)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u8)
	c, v, err := ReadUvarint(buf, c)
	assert.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	c, bs, err := ReadLenBytes(buf, c)
	assert.NoError(t, err)
	assert.Empty(t, assertions.ShouldResemble(bs, []byte("abc")))
	assert.Equal(t, len(buf), c)

	_, _, err = ReadUB8(buf, len(buf)-2)
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, _, err = ReadLenBytes([]byte{10, 1}, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestHashFields(t *testing.T) {
	a := HashFields([][]byte{[]byte("ab"), []byte("c")})
	b := HashFields([][]byte{[]byte("a"), []byte("bc")})
	assert.NotEqual(t, a, b)
	assert.Equal(t, HashCode([]byte("788788")), HashCode([]byte("788788")))
}
