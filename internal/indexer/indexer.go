// Package indexer implements the cold-start directory walk of §4.D: parse
// every matching file, populate the store, and register cache bindings.
package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charlievieth/fastwalk"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/orgdoc"
	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/store"
)

// Logger is the minimal logging surface the indexer needs, satisfied by
// charm.land/log/v2's *log.Logger.
type Logger interface {
	Warn(msg any, keyvals ...any)
}

// Stats aggregates the outcome of one indexing pass.
type Stats struct {
	Files int
	Nodes int
	Links int
	Tags  int
}

// Extension is the document file extension the indexer recognizes.
const Extension = ".org"

// Index walks root depth-first in sorted-path order (for reproducibility),
// parses every file with Extension, upserts its nodes into st, and
// registers every produced node id with cache against a single shared
// entry for that file. I/O and parse errors on one file are logged and the
// file is skipped; the walk continues.
func Index(ctx context.Context, root string, st *store.Store, cache *doccache.Cache, log Logger) (Stats, error) {
	paths, err := collectPaths(root)
	if err != nil {
		return Stats{}, rerr.New(rerr.IO, "Index.walk", err)
	}

	// Parsing (CPU + file-read work) is dispatched across a bounded worker
	// pool, standing in for the spec's "dedicated blocking pool" — each
	// result is written to its own slot so the subsequent store phase can
	// still apply results in the deterministic, sorted-path order the walk
	// produced, independent of which worker finishes first.
	var stats Stats
	results := make([]fileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers())
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			results[i] = indexOne(gctx, p, root)
			return nil
		})
	}
	_ = g.Wait() // indexOne never returns an error from g.Go; failures are carried in fileResult.err

	for _, res := range results {
		if res.err != nil {
			if log != nil {
				log.Warn("indexing file failed", "path", res.path, "err", res.err)
			}
			continue
		}
		if err := st.UpsertFile(ctx, res.relPath, res.hash); err != nil {
			if log != nil {
				log.Warn("upserting file record failed", "path", res.relPath, "err", err)
			}
			continue
		}
		for _, n := range res.nodes {
			if err := st.UpsertNode(ctx, n); err != nil {
				if log != nil {
					log.Warn("upserting node failed", "id", n.ID, "err", err)
				}
				continue
			}
			stats.Nodes++
			stats.Links += len(n.Links)
			stats.Tags += len(n.Tags)
			cache.SubmitContent(n.ID, res.relPath, res.content)
		}
		stats.Files++
	}

	return stats, nil
}

type fileResult struct {
	path, relPath, content string
	hash                   uint64
	nodes                  []orgdoc.Node
	err                    error
}

func indexOne(ctx context.Context, path, root string) fileResult {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	content, err := os.ReadFile(path)
	if err != nil {
		return fileResult{path: path, err: err}
	}

	hash := xxh3.Hash(content)
	nodes, _ := orgdoc.Parse(rel, string(content))
	if len(nodes) == 0 {
		return fileResult{path: path, relPath: rel, content: string(content), hash: hash}
	}
	return fileResult{path: path, relPath: rel, content: string(content), hash: hash, nodes: nodes}
}

func collectPaths(root string) ([]string, error) {
	var paths []string
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // individual walk errors are not fatal to the whole pass
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), Extension) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func maxWorkers() int {
	n := 4
	if v := os.Getenv("ROAMDEX_INDEX_WORKERS"); v != "" {
		// best-effort; invalid values fall back to the default
		if parsed, ok := parsePositiveInt(v); ok {
			n = parsed
		}
	}
	return n
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, n > 0
}
