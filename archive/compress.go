package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/BaSui01/agentcore/types"
)

// minSavingsRatio 压缩后至少节省 10% 才保留压缩结果
const minSavingsRatio = 0.10

// zstd 编解码器可并发复用
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// ParseCompression 解析配置中的压缩算法名，空串为 zstd
func ParseCompression(name string) (types.Compression, error) {
	switch types.Compression(name) {
	case "", types.CompressionZstd:
		return types.CompressionZstd, nil
	case types.CompressionGzip:
		return types.CompressionGzip, nil
	case types.CompressionNone:
		return types.CompressionNone, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", name)
	}
}

// maybeCompress 超过 minSize 且节省 ≥10% 时返回压缩数据，否则返回原数据与 none
func maybeCompress(alg types.Compression, data []byte, minSize int) ([]byte, types.Compression, error) {
	if alg == types.CompressionNone || len(data) <= minSize {
		return data, types.CompressionNone, nil
	}
	out, err := compress(alg, data)
	if err != nil {
		return nil, "", err
	}
	if float64(len(out)) > float64(len(data))*(1-minSavingsRatio) {
		return data, types.CompressionNone, nil
	}
	return out, alg, nil
}

func compress(alg types.Compression, data []byte) ([]byte, error) {
	switch alg {
	case types.CompressionZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case types.CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case types.CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", alg)
	}
}

func decompress(alg types.Compression, data []byte) ([]byte, error) {
	switch alg {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case types.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", alg)
	}
}
