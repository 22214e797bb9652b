package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/store"
)

func TestIndex_WalksAndUpserts(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.org"),
		[]byte("* Heading\n:PROPERTIES:\n:ID: n1\n:END:\nbody\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.org"),
		[]byte("* Other\n:PROPERTIES:\n:ID: n2\n:END:\n"), 0o644))
	// non-.org file must be ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignore me"), 0o644))

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	defer st.Close()
	cache := doccache.New()

	stats, err := Index(ctx, root, st, cache, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Files)
	require.Equal(t, 2, stats.Nodes)

	exists, err := st.NodeExists(ctx, "n1")
	require.NoError(t, err)
	require.True(t, exists)

	e, ok := cache.Retrieve("n1")
	require.True(t, ok)
	require.Contains(t, e.Content, "body")
}

func TestIndex_SkipsUnreadableFileWithoutFailingWholePass(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.org"),
		[]byte("* H\n:PROPERTIES:\n:ID: good\n:END:\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub.org"), 0o755)) // a directory named *.org, not a file

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	defer st.Close()
	cache := doccache.New()

	stats, err := Index(ctx, root, st, cache, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
}

func TestIndex_EmptyRoot(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	defer st.Close()
	cache := doccache.New()

	stats, err := Index(ctx, root, st, cache, nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Files)
}
