package latexrender

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roamdex/roamdex/internal/rerr"
)

func TestNew_NilWatcherLeavesGuardUnset(t *testing.T) {
	r := New(nil)
	require.Nil(t, r.Guard, "a renderer with no attached watcher must never guard a write")
}

func TestRender_MissingToolsReturnsIOError(t *testing.T) {
	if _, err := exec.LookPath("latex"); err == nil {
		t.Skip("latex is installed in this environment; the missing-tool path is not exercised")
	}
	r := New(nil)
	_, err := r.Render(context.Background(), "x^2", "")
	require.Error(t, err)
	require.True(t, rerr.Is(err, rerr.IO))
}

func TestWriteCached_GuardRejectsAlreadyProcessingPath(t *testing.T) {
	r := &Renderer{Guard: func(path string) (func(), bool) { return nil, false }}
	err := r.WriteCached(context.Background(), "x", "", "busy.org", "out.svg")
	require.Error(t, err)
	require.True(t, rerr.Is(err, rerr.IO))
}

func TestWriteCached_ReleasesGuardAfterRender(t *testing.T) {
	if _, err := exec.LookPath("latex"); err == nil {
		t.Skip("latex is installed; this test only exercises the guard-then-fail path")
	}
	released := false
	r := &Renderer{Guard: func(path string) (func(), bool) {
		return func() { released = true }, true
	}}
	err := r.WriteCached(context.Background(), "x", "", "src.org", "out.svg")
	require.Error(t, err) // latex is absent in this environment
	require.True(t, released, "the guard must be released even when rendering fails")
}
