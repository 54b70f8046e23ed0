package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ErrFrameTooLarge 帧超过上限
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", types.ErrMalformedMessage)

// ByteReader 帧读取所需的接口
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame 写入一帧（uvarint 长度 + 数据）
//
// 长度前缀与数据合并为一次 Write。
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(data)))+len(data))
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一帧
//
// 流在帧边界结束时返回 types.ErrConnectionClosed。
func ReadFrame(r ByteReader, maxSize int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.ErrConnectionClosed
		}
		return nil, err
	}
	if n > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
