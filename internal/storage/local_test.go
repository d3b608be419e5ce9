package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hosttrace/hosttrace/internal/config"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	ok, err := store.Exists(ctx, "captures/a/one.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "captures/a/one.jsonl", strings.NewReader("one"), -1, nil))
	require.NoError(t, store.Put(ctx, "captures/a/two.jsonl", strings.NewReader("two"), 3, nil))
	require.NoError(t, store.Put(ctx, "other/x", strings.NewReader("x"), 1, nil))

	ok, err = store.Exists(ctx, "captures/a/one.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Get(ctx, "captures/a/two.jsonl")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "two", string(data))

	infos, err := store.List(ctx, "captures")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "captures/a/one.jsonl", infos[0].Key)
	assert.Equal(t, int64(3), infos[1].Size)
}

func TestLocalListMissingPrefix(t *testing.T) {
	infos, err := NewLocal(t.TempDir()).List(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestNewBackend(t *testing.T) {
	s, err := New(config.StorageConfig{Backend: "local", Local: config.LocalStore{Path: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = New(config.StorageConfig{Backend: "s3"})
	assert.Error(t, err)

	s, err = New(config.StorageConfig{Backend: "s3", S3: config.S3Store{Endpoint: "localhost:9000", Bucket: "captures"}})
	require.NoError(t, err)
	assert.IsType(t, &S3{}, s)

	_, err = New(config.StorageConfig{Backend: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}
