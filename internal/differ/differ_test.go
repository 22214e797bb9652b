package differ

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReconcileFile_NewNode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	content := "* Heading\n:PROPERTIES:\n:ID: n1\n:END:\nbody\n"
	delta, err := ReconcileFile(ctx, st, cache, "a.org", content)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, delta.NewNodes)
	require.Empty(t, delta.UpdatedNodes)
	require.False(t, delta.Empty())

	e, ok := cache.Retrieve("n1")
	require.True(t, ok)
	require.Equal(t, content, e.Content)
}

func TestReconcileFile_ParentLinkEmittedWhenParentExists(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	parentContent := "* Parent\n:PROPERTIES:\n:ID: p\n:END:\n"
	_, err := ReconcileFile(ctx, st, cache, "p.org", parentContent)
	require.NoError(t, err)

	childContent := "* Parent\n:PROPERTIES:\n:ID: p\n:END:\n** Child\n:PROPERTIES:\n:ID: c\n:END:\n"
	delta, err := ReconcileFile(ctx, st, cache, "p.org", childContent)
	require.NoError(t, err)
	require.Contains(t, delta.NewNodes, "c")
	require.Contains(t, delta.NewLinks, NewLink{From: "p", To: "c"})
}

func TestReconcileFile_ParentLinkInsertedRetroactivelyOnExistingChild(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	// first parse: the ancestor heading has no :ID:, so the child has no
	// parent to link to yet.
	noID := "* Parent\n** Child\n:PROPERTIES:\n:ID: c\n:END:\n"
	delta, err := ReconcileFile(ctx, st, cache, "a.org", noID)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, delta.NewNodes)
	require.Empty(t, delta.NewLinks)

	// second parse: the ancestor heading now carries an :ID:, so the child
	// (already existing) should retroactively gain the implicit parent link.
	withID := "* Parent\n:PROPERTIES:\n:ID: p\n:END:\n** Child\n:PROPERTIES:\n:ID: c\n:END:\n"
	delta, err = ReconcileFile(ctx, st, cache, "a.org", withID)
	require.NoError(t, err)
	require.Contains(t, delta.UpdatedNodes, "c")
	require.Contains(t, delta.NewLinks, NewLink{From: "p", To: "c"})

	linked, err := st.LinkExists(ctx, "p", "c")
	require.NoError(t, err)
	require.True(t, linked, "the parent link must actually be persisted, not just reported")
}

func TestReconcileFile_UpdateExistingNode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	content := "* Heading\n:PROPERTIES:\n:ID: n1\n:END:\noriginal\n"
	_, err := ReconcileFile(ctx, st, cache, "a.org", content)
	require.NoError(t, err)

	updated := "* Heading Renamed\n:PROPERTIES:\n:ID: n1\n:END:\nupdated\n"
	delta, err := ReconcileFile(ctx, st, cache, "a.org", updated)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, delta.UpdatedNodes)
	require.Empty(t, delta.NewNodes)
}

func TestReconcileFile_LinkToNonexistentDestSkipped(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	content := "* Heading\n:PROPERTIES:\n:ID: n1\n:END:\nSee [[id:ghost][Ghost]].\n"
	delta, err := ReconcileFile(ctx, st, cache, "a.org", content)
	require.NoError(t, err)
	require.Empty(t, delta.NewLinks)

	exists, err := st.NodeExists(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReconcileFile_ExplicitLinkToExistingDest(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	_, err := ReconcileFile(ctx, st, cache, "b.org", "* Target\n:PROPERTIES:\n:ID: target\n:END:\n")
	require.NoError(t, err)

	delta, err := ReconcileFile(ctx, st, cache, "a.org",
		"* Heading\n:PROPERTIES:\n:ID: n1\n:END:\nSee [[id:target][Target]].\n")
	require.NoError(t, err)
	require.Contains(t, delta.NewLinks, NewLink{From: "n1", To: "target"})
}

func TestReconcileRemoval_EmptyWhenNothingToRemove(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	delta, err := ReconcileRemoval(ctx, st, cache, "nonexistent.org")
	require.NoError(t, err)
	require.True(t, delta.Empty())
}

func TestReconcileRemoval_RemovesNodesAndLinks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := doccache.New()

	_, err := ReconcileFile(ctx, st, cache, "b.org", "* Target\n:PROPERTIES:\n:ID: target\n:END:\n")
	require.NoError(t, err)
	_, err = ReconcileFile(ctx, st, cache, "a.org",
		"* Heading\n:PROPERTIES:\n:ID: n1\n:END:\nSee [[id:target][Target]].\n")
	require.NoError(t, err)

	delta, err := ReconcileRemoval(ctx, st, cache, "a.org")
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, delta.RemovedNodes)
	require.Contains(t, delta.RemovedLinks, RemovedLink{From: "n1", To: "target"})

	_, ok := cache.Retrieve("n1")
	require.False(t, ok, "removal should invalidate the cache entry")

	exists, err := st.NodeExists(ctx, "n1")
	require.NoError(t, err)
	require.False(t, exists)

	// target node, in a different file, survives
	exists, err = st.NodeExists(ctx, "target")
	require.NoError(t, err)
	require.True(t, exists)
}
