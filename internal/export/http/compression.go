package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// codec describes one supported body encoding.
type codec struct {
	// contentEncoding is the Content-Encoding header value, empty for none.
	contentEncoding string
	encode          func(c *Compressor, data []byte) ([]byte, error)
}

var codecs = map[string]codec{
	CompressionNone: {
		encode: func(_ *Compressor, data []byte) ([]byte, error) { return data, nil },
	},
	CompressionGzip: {
		contentEncoding: "gzip",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return streamEncode(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
		},
	},
	CompressionZlib: {
		contentEncoding: "deflate",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return streamEncode(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
		},
	},
	CompressionZstd: {
		contentEncoding: "zstd",
		encode: func(c *Compressor, data []byte) ([]byte, error) {
			return c.zstd.EncodeAll(data, make([]byte, 0, len(data))), nil
		},
	},
	CompressionSnappy: {
		contentEncoding: "snappy",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return snappy.Encode(nil, data), nil
		},
	},
}

// Compressor encodes request bodies with one algorithm.
type Compressor struct {
	algorithm string
	codec     codec
	zstd      *zstd.Encoder
}

// NewCompressor creates a Compressor. An empty algorithm means none.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm, codec: cd}

	// The zstd encoder is expensive to build, so one is kept per compressor.
	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		c.zstd = enc
	}

	return c, nil
}

// Compress encodes data with the configured algorithm.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	return c.codec.encode(c, data)
}

// ContentEncoding returns the Content-Encoding header value.
func (c *Compressor) ContentEncoding() string {
	return c.codec.contentEncoding
}

// Close releases encoder resources.
func (c *Compressor) Close() error {
	if c.zstd != nil {
		return c.zstd.Close()
	}

	return nil
}

func streamEncode(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	return buf.Bytes(), nil
}
