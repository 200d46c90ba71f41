package fsstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
)

func TestPutGetHasDelete(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Has(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "abc", []byte("hello")))

	ok, err = s.Has(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, s.Delete(ctx, "abc"))
	ok, err = s.Has(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "abc", []byte("hello")))
	require.NoError(t, s.Put(ctx, "abc", []byte("hello")))
}

func TestPutRejectsConflictingContent(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "abc", []byte("hello")))
	err = s.Put(ctx, "abc", []byte("world"))
	assert.Error(t, err)
}

func TestPathTraversalRejected(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"../etc/passwd", "a/b", "..", ""} {
		_, err := s.Get(ctx, id)
		assert.Error(t, err, "id %q should be rejected", id)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))
}
