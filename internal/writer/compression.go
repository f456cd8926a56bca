package writer

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
)

// Compression selects the wire encoding applied to a serialized batch
// body before it is POSTed to the time-series database. "none" is sent
// with Content-Encoding: identity.
type Compression string

const (
	CompressionGzip    Compression = "gzip"
	CompressionDeflate Compression = "deflate"
	CompressionNone    Compression = "none"
)

// ContentEncoding returns the HTTP Content-Encoding header value for c.
func (c Compression) ContentEncoding() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionDeflate:
		return "deflate"
	default:
		return "identity"
	}
}

// Compress encodes body at level under c. On failure, the caller is
// expected to fall back to identity encoding and log.
func Compress(c Compression, body []byte, level int) ([]byte, error) {
	switch c {
	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, normalizeLevel(level, gzip.DefaultCompression))
		if err != nil {
			return nil, fmt.Errorf("writer: gzip writer: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("writer: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("writer: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, normalizeLevel(level, flate.DefaultCompression))
		if err != nil {
			return nil, fmt.Errorf("writer: deflate writer: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("writer: deflate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("writer: deflate close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return body, nil
	}
}

// Decompress is the inverse of Compress, used by tests to assert the
// round-trip law decompress(compress(s)) = s.
func Decompress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("writer: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}

func normalizeLevel(level, fallback int) int {
	if level == 0 {
		return fallback
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return fallback
	}
	return level
}
