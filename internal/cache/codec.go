package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// 值的首字节标记编码方式
const (
	flagRaw  byte = 'r'
	flagGzip byte = 'z'
)

// encodeValue 超过阈值时 gzip 压缩，压缩无收益则保留原文
func encodeValue(value []byte, threshold int) ([]byte, bool, error) {
	if threshold > 0 && len(value) > threshold {
		var buf bytes.Buffer
		buf.WriteByte(flagGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(value); err != nil {
			return nil, false, err
		}
		if err := zw.Close(); err != nil {
			return nil, false, err
		}
		if buf.Len() < len(value)+1 {
			return buf.Bytes(), true, nil
		}
	}

	out := make([]byte, 0, len(value)+1)
	out = append(out, flagRaw)
	out = append(out, value...)
	return out, false, nil
}

func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty cache value")
	}
	switch raw[0] {
	case flagRaw:
		return raw[1:], nil
	case flagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw[1:]))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unknown cache value flag %q", raw[0])
	}
}

func encodeCounter(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeCounter(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}
