package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	TypeNone = "none"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
)

func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case "", TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		return gzip.NewWriter(w), nil
	case TypeZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// Extension is the suffix appended to exported object keys.
func Extension(compression string, encrypted bool) string {
	ext := ""
	switch compression {
	case TypeGzip:
		ext = ".gz"
	case TypeZstd:
		ext = ".zst"
	}
	if encrypted {
		ext += ".enc"
	}
	return ext
}

// ParseExtension reverses Extension for an object key.
func ParseExtension(key string) (compression string, encrypted bool) {
	if strings.HasSuffix(key, ".enc") {
		encrypted = true
		key = strings.TrimSuffix(key, ".enc")
	}
	switch {
	case strings.HasSuffix(key, ".gz"):
		return TypeGzip, encrypted
	case strings.HasSuffix(key, ".zst"):
		return TypeZstd, encrypted
	}
	return TypeNone, encrypted
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
