package lob

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

// 压缩算法编号，写在每个ZBLOB页的LOB头中
const (
	CodecNone   uint8 = 0
	CodecZlib   uint8 = 1
	CodecLZ4    uint8 = 2
	CodecSnappy uint8 = 3
)

// Codec LOB块压缩算法
type Codec interface {
	ID() uint8
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, rawLen int) ([]byte, error)
}

// CodecByName 按配置名取压缩算法，none返回nil
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "zlib":
		return zlibCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	}
	return nil, errors.Wrapf(basic.ErrInvalidArgument, "unknown lob codec %q", name)
}

func codecByID(id uint8) (Codec, error) {
	switch id {
	case CodecZlib:
		return zlibCodec{}, nil
	case CodecLZ4:
		return lz4Codec{}, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	}
	return nil, errors.Wrapf(basic.ErrCorruption, "unknown lob codec id %d", id)
}

type zlibCodec struct{}

func (zlibCodec) ID() uint8    { return CodecZlib }
func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte, rawLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) ID() uint8    { return CodecLZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte, rawLen int) ([]byte, error) {
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(lz4.NewReader(bytes.NewReader(src)), out); err != nil {
		return nil, err
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) ID() uint8    { return CodecSnappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte, rawLen int) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n != rawLen {
		return nil, errors.Errorf("snappy block decodes to %d bytes, expected %d", n, rawLen)
	}
	return snappy.Decode(make([]byte, n), src)
}
