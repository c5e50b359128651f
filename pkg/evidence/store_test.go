package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ref, err := s.Put(ctx, "run-1/output.json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Len(t, ref.Hash, 64)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), data)
}

func TestMemoryStoreNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), Ref{Key: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, "run-1/evidence.bin", []byte("bytes"))
	require.NoError(t, err)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestFileStoreDetectsTamper(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)

	ref, err := s.Put(ctx, "e1", []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "e1"), []byte("tampered"), 0o600))

	_, err = s.Get(ctx, ref)
	assert.Error(t, err)
}
