// Package datasource opens the configured metadata source and undoes
// transport compression, so parsers always see plain delimited or JSON text.
package datasource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"geometa/internal/config"
	"geometa/internal/datasource/file"
	"geometa/internal/datasource/httpsrc"
	"geometa/internal/datasource/s3"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Open opens src and wraps it with a decompressor chosen from the file or
// object name (.gz, .zst).
func Open(ctx context.Context, src config.Source) (io.ReadCloser, error) {
	var (
		rc   io.ReadCloser
		name string
		err  error
	)
	switch src.Kind {
	case "file":
		if src.File == nil {
			return nil, fmt.Errorf("open source: file block missing")
		}
		name = src.File.Path
		rc, err = file.Open(name)
	case "s3":
		cfg := s3.ConfigFromSource(src.S3)
		name = cfg.Key
		rc, err = s3.Open(ctx, cfg)
	case "http":
		if src.HTTP == nil {
			return nil, fmt.Errorf("open source: http block missing")
		}
		name = urlPath(src.HTTP.URL)
		rc, err = httpsrc.Open(ctx, httpsrc.Config{URL: src.HTTP.URL, MaxAttempts: src.HTTP.MaxAttempts})
	default:
		return nil, fmt.Errorf("open source: unsupported kind %q", src.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return Decompress(name, rc)
}

// urlPath strips the query and fragment so the extension decides
// decompression.
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

// Decompress wraps rc according to name's extension. Closing the result
// closes rc.
func Decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("gzip %s: %w", name, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("zstd %s: %w", name, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zstdCloser{zr}, rc}}, nil
	default:
		return rc, nil
	}
}

type stacked struct {
	io.Reader
	closers []io.Closer
}

func (s *stacked) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}
