// Package archive exports capture files to a storage backend.
//
// Each capture file becomes one object. Its bytes are compressed first
// and then, when a key is given, encrypted with DARE (minio/sio).
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/minio/sio"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hosttrace/hosttrace/internal/lock"
	"github.com/hosttrace/hosttrace/internal/storage"
	"github.com/hosttrace/hosttrace/internal/trace"
)

type Options struct {
	Compression string
	Key         []byte // nil disables encryption
	Prefix      string
	Overwrite   bool // re-upload captures already in storage
	RemoveAfter bool
	Logger      zerolog.Logger
}

// Object describes one exported capture.
type Object struct {
	Source  string
	Key     string
	Calls   int
	Skipped bool // already in storage
}

// ObjectKey returns the key of the capture at rel, a path relative to
// the exported directory.
func ObjectKey(prefix, rel, compression string, encrypted bool) string {
	return path.Join(prefix, filepath.ToSlash(rel)) + Extension(compression, encrypted)
}

// Export uploads every capture file under dir. It holds the directory's
// capture lock, so it fails while a traced run is writing there.
func Export(ctx context.Context, store storage.Storage, dir string, opts Options) ([]Object, error) {
	l, err := lock.Acquire(trace.LockPath(dir))
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	files, err := trace.List(dir)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}

	var objects []Object
	for _, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return objects, err
		}
		key := ObjectKey(opts.Prefix, rel, opts.Compression, opts.Key != nil)

		records, err := trace.ReadCapture(file)
		if err != nil {
			return objects, fmt.Errorf("%s: %w", file, err)
		}
		obj := Object{Source: file, Key: key, Calls: len(records)}

		if !opts.Overwrite {
			exists, err := store.Exists(ctx, key)
			if err != nil {
				return objects, fmt.Errorf("check %s: %w", key, err)
			}
			obj.Skipped = exists
		}
		if obj.Skipped {
			opts.Logger.Info().Str("file", file).Str("key", key).Msg("capture already exported")
		} else {
			if err := put(ctx, store, key, file, opts, len(records)); err != nil {
				return objects, fmt.Errorf("export %s: %w", file, err)
			}
			opts.Logger.Info().Str("file", file).Str("key", key).Int("calls", len(records)).Msg("capture exported")
		}
		objects = append(objects, obj)

		if opts.RemoveAfter {
			if err := os.Remove(file); err != nil {
				return objects, err
			}
		}
	}
	return objects, nil
}

func put(ctx context.Context, store storage.Storage, key, file string, opts Options, calls int) error {
	src, err := os.Open(file)
	if err != nil {
		return err
	}
	defer src.Close()

	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer pipeReader.Close()
		meta := map[string]string{
			"hosttrace-calls":       strconv.Itoa(calls),
			"hosttrace-compression": opts.Compression,
			"hosttrace-encrypted":   strconv.FormatBool(opts.Key != nil),
		}
		return store.Put(egCtx, key, pipeReader, -1, meta)
	})

	eg.Go(func() error {
		writer := io.Writer(pipeWriter)
		closers := []io.Closer{}
		if opts.Key != nil {
			encWriter, err := sio.EncryptWriter(writer, sio.Config{Key: opts.Key})
			if err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
			writer = encWriter
			closers = append(closers, encWriter)
		}
		compWriter, err := WrapWriter(opts.Compression, writer)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		writer = compWriter
		closers = append(closers, compWriter)

		if _, err := io.Copy(writer, src); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
		}
		return pipeWriter.Close()
	})

	return eg.Wait()
}

// Open reverses Export for a single object. The compression and whether
// the object is encrypted are read from the key's extension; encKey is
// required for encrypted objects.
func Open(ctx context.Context, store storage.Storage, key string, encKey []byte) (io.ReadCloser, error) {
	compression, encrypted := ParseExtension(key)
	if encrypted && encKey == nil {
		return nil, fmt.Errorf("%s is encrypted: a key is required", key)
	}
	if !encrypted {
		encKey = nil
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	reader := io.Reader(rc)
	if encKey != nil {
		reader, err = sio.DecryptReader(reader, sio.Config{Key: encKey})
		if err != nil {
			rc.Close()
			return nil, err
		}
	}
	dec, err := WrapReader(compression, reader)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &readCloser{Reader: dec, closers: []io.Closer{dec, rc}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
