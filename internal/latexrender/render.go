// Package latexrender renders a LaTeX fragment extracted by internal/orgdoc
// into an SVG image via an external latex+dvisvgm pipeline. This is
// deliberately outside the core graph-indexing contract (per the design
// note excluding rendering from the core): it is a thin, replaceable
// command pipeline, not a LaTeX implementation.
package latexrender

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/watcher"
)

const renderTimeout = 5 * time.Second

// defaultPreamble wraps a single fragment body into a standalone document.
// Callers needing project-specific packages pass their own via Render's
// preamble argument instead.
const defaultPreamble = `\documentclass{standalone}
\usepackage{amsmath}
\usepackage{amssymb}
\begin{document}
`

const defaultPostamble = `
\end{document}
`

// Renderer turns LaTeX source into SVG bytes using latex and dvisvgm found
// on PATH. It optionally guards a watched source file while writing a
// rendered cache artifact alongside it, so the watcher doesn't react to the
// renderer's own write.
type Renderer struct {
	Guard func(path string) (release func(), ok bool)
}

// New returns a Renderer. w may be nil if no watcher is running (e.g. a
// one-shot CLI render), in which case Render never guards writes.
func New(w *watcher.Watcher) *Renderer {
	r := &Renderer{}
	if w != nil {
		r.Guard = func(path string) (func(), bool) {
			g, ok := w.Guard(path)
			if !ok {
				return nil, false
			}
			return g.Release, true
		}
	}
	return r
}

// Render compiles fragment into standalone SVG bytes. preamble, if
// non-empty, replaces the default standalone-document preamble.
func (r *Renderer) Render(ctx context.Context, fragment string, preamble string) ([]byte, error) {
	if _, err := exec.LookPath("latex"); err != nil {
		return nil, rerr.New(rerr.IO, "latexrender.Render", fmt.Errorf("latex not found on PATH: %w", err))
	}
	if _, err := exec.LookPath("dvisvgm"); err != nil {
		return nil, rerr.New(rerr.IO, "latexrender.Render", fmt.Errorf("dvisvgm not found on PATH: %w", err))
	}

	pre := defaultPreamble
	if preamble != "" {
		pre = preamble
	}
	doc := pre + fragment + defaultPostamble

	var svg []byte
	err := withTempDir("roamdex-latex-*", func(dir string) error {
		texPath := filepath.Join(dir, "fragment.tex")
		if err := os.WriteFile(texPath, []byte(doc), 0o644); err != nil {
			return err
		}

		tctx, cancel := context.WithTimeout(ctx, renderTimeout)
		defer cancel()

		latexCmd := exec.CommandContext(tctx, "latex", "-interaction=nonstopmode", "-halt-on-error",
			"-output-directory="+dir, texPath)
		var stderr bytes.Buffer
		latexCmd.Stderr = &stderr
		if err := latexCmd.Run(); err != nil {
			return fmt.Errorf("latex: %w: %s", err, stderr.String())
		}

		dviPath := filepath.Join(dir, "fragment.dvi")
		svgPath := filepath.Join(dir, "fragment.svg")
		dctx, dcancel := context.WithTimeout(ctx, renderTimeout)
		defer dcancel()

		dvisvgmCmd := exec.CommandContext(dctx, "dvisvgm", "--no-fonts", "-o", svgPath, dviPath)
		stderr.Reset()
		dvisvgmCmd.Stderr = &stderr
		if err := dvisvgmCmd.Run(); err != nil {
			return fmt.Errorf("dvisvgm: %w: %s", err, stderr.String())
		}

		out, err := os.ReadFile(svgPath)
		if err != nil {
			return err
		}
		svg = out
		return nil
	})
	if err != nil {
		return nil, rerr.New(rerr.IO, "latexrender.Render", err)
	}
	return svg, nil
}

// WriteCached renders fragment and writes the SVG to cachePath, guarding
// the watched source file (if a watcher is attached) so the write doesn't
// trigger a spurious reconcile.
func (r *Renderer) WriteCached(ctx context.Context, fragment, preamble, sourcePath, cachePath string) error {
	if r.Guard != nil {
		release, ok := r.Guard(sourcePath)
		if !ok {
			return rerr.New(rerr.IO, "latexrender.WriteCached", fmt.Errorf("%s is already being processed", sourcePath))
		}
		defer release()
	}

	svg, err := r.Render(ctx, fragment, preamble)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cachePath, svg, 0o644); err != nil {
		return rerr.New(rerr.IO, "latexrender.WriteCached", err)
	}
	return nil
}

func withTempDir(pattern string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return fn(dir)
}
