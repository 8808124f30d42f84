package memory_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khozyainov/andy/internal/memory"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "andy.db")
	s, err := memory.NewSQLiteStore(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	_, ok, err := s.Recall(ctx, "wellbeing", "state")
	require.NoError(t, err)
	assert.False(t, ok, "absent key recalls nothing")

	require.NoError(t, s.Store(ctx, "wellbeing", "state", []byte(`{"a":1}`)))

	got, ok, err := s.Recall(ctx, "wellbeing", "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestSQLiteStoreOverwriteIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "andy.db")
	s, err := memory.NewSQLiteStore(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "gm", "k", []byte("one")))
	require.NoError(t, s.Store(ctx, "gm", "k", []byte("two")))
	require.NoError(t, s.Store(ctx, "gm", "k", []byte("two")))

	got, ok, err := s.Recall(ctx, "gm", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(got))
}

func TestSQLiteStoreNamespacesAreIsolated(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "andy.db")
	s, err := memory.NewSQLiteStore(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "navigation", "state", []byte("nav")))
	require.NoError(t, s.Store(ctx, "nourishment", "state", []byte("food")))

	got, ok, err := s.Recall(ctx, "navigation", "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "nav", string(got))
}

func TestStoreRejectsEmptyKeys(t *testing.T) {
	s := memory.NewInMemory()
	assert.Error(t, s.Store(context.Background(), "", "k", nil))
	assert.Error(t, s.Store(context.Background(), "ns", "", nil))
}

func TestInMemoryRoundTrip(t *testing.T) {
	s := memory.NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "gm", "state", []byte("x")))
	got, ok, err := s.Recall(ctx, "gm", "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", string(got))

	// The stored slice is copied both ways.
	got[0] = 'y'
	again, _, _ := s.Recall(ctx, "gm", "state")
	assert.Equal(t, "x", string(again))
}
