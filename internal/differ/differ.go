// Package differ implements §4.E: reconciling one parsed file against the
// store and emitting the minimal set of structural changes.
package differ

import (
	"context"

	"github.com/zeebo/xxh3"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/orgdoc"
	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/store"
)

// NewLink is one link the differ decided to insert, in the shape a graph
// update carries (ids only, per §9).
type NewLink struct {
	From, To string
}

// RemovedLink mirrors NewLink for the file-removal path.
type RemovedLink struct {
	From, To string
}

// Delta is the set of structural changes produced by one reconcile call.
// Empty deltas are not emitted onward by the watcher.
type Delta struct {
	NewNodes     []string
	UpdatedNodes []string
	NewLinks     []NewLink
	RemovedNodes []string
	RemovedLinks []RemovedLink
}

func (d Delta) Empty() bool {
	return len(d.NewNodes) == 0 && len(d.UpdatedNodes) == 0 && len(d.NewLinks) == 0 &&
		len(d.RemovedNodes) == 0 && len(d.RemovedLinks) == 0
}

// ReconcileFile parses content (the current bytes of path) and brings st in
// line with it, per the algorithm in §4.E:
//  1. every node's implicit parent link is inserted (idempotently) and
//     reported whenever the parent already exists in the store — this runs
//     for both new and already-existing nodes, so a node re-parsed after
//     its ancestor retroactively gains an :ID: still gets the link;
//  2. new nodes get a cache binding registered; already-existing nodes are
//     reported as updated;
//  3. for every node, newly-declared explicit links to existing
//     destinations are inserted and reported;
//  4. unreferenced old links/nodes are left untouched — reclamation only
//     happens on file removal.
func ReconcileFile(ctx context.Context, st *store.Store, cache *doccache.Cache, path, content string) (Delta, error) {
	var delta Delta

	hash := xxh3.Hash([]byte(content))
	if err := st.UpsertFile(ctx, path, hash); err != nil {
		return Delta{}, rerr.New(rerr.Storage, "ReconcileFile.UpsertFile", err)
	}

	nodes, _ := orgdoc.Parse(path, content)

	// UpsertNode rewrites a node's links (a parent's include the implicit
	// link to each child), so a link counts as new only if it was absent
	// before this call; known also keeps each link from being reported twice.
	known := make(map[NewLink]bool)
	for _, n := range nodes {
		existed, err := st.NodeExists(ctx, n.ID)
		if err != nil {
			return Delta{}, err
		}
		for _, l := range n.Links {
			ok, err := st.LinkExists(ctx, n.ID, l.To)
			if err != nil {
				return Delta{}, err
			}
			known[NewLink{From: n.ID, To: l.To}] = ok
		}

		if err := st.UpsertNode(ctx, n); err != nil {
			return Delta{}, rerr.New(rerr.Storage, "ReconcileFile.UpsertNode", err)
		}
		cache.SubmitContent(n.ID, path, content)

		if n.Parent != nil {
			ok, err := st.NodeExists(ctx, *n.Parent)
			if err != nil {
				return Delta{}, err
			}
			if ok {
				if _, err := st.InsertLink(ctx, *n.Parent, n.ID, ""); err != nil {
					return Delta{}, rerr.New(rerr.Storage, "ReconcileFile.InsertLink.parent", err)
				}
				if l := (NewLink{From: *n.Parent, To: n.ID}); !known[l] {
					known[l] = true
					delta.NewLinks = append(delta.NewLinks, l)
				}
			}
			// If the parent doesn't exist yet, no implicit link is emitted
			// now (not an error) — this same check runs again whenever n is
			// re-parsed, so a later re-parse that gives the ancestor an id
			// inserts and reports the link retroactively (open question in
			// §9, resolved here as "yes").
		}

		if !existed {
			delta.NewNodes = append(delta.NewNodes, n.ID)
		} else {
			delta.UpdatedNodes = append(delta.UpdatedNodes, n.ID)
		}

		for _, l := range n.Links {
			destExists, err := st.NodeExists(ctx, l.To)
			if err != nil {
				return Delta{}, err
			}
			if !destExists {
				continue // link to a nonexistent destination is skipped silently
			}
			if _, err := st.InsertLink(ctx, n.ID, l.To, l.Description); err != nil {
				return Delta{}, rerr.New(rerr.Storage, "ReconcileFile.InsertLink", err)
			}
			if nl := (NewLink{From: n.ID, To: l.To}); !known[nl] {
				known[nl] = true
				delta.NewLinks = append(delta.NewLinks, nl)
			}
		}
	}

	return delta, nil
}

// ReconcileRemoval handles the file-removal path: gather node ids
// associated with path, gather links touching them, delete links then
// nodes (order matters for referential integrity), and report them as
// removed_*.
func ReconcileRemoval(ctx context.Context, st *store.Store, cache *doccache.Cache, path string) (Delta, error) {
	ids, err := st.NodeIDsForFile(ctx, path)
	if err != nil {
		return Delta{}, err
	}
	if len(ids) == 0 {
		return Delta{}, nil
	}

	seen := make(map[string]struct{})
	var removedLinks []RemovedLink
	for _, id := range ids {
		links, err := st.LinksTouching(ctx, id)
		if err != nil {
			return Delta{}, err
		}
		for _, l := range links {
			key := l.Source + "\x00" + l.Dest
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			removedLinks = append(removedLinks, RemovedLink{From: l.Source, To: l.Dest})
		}
	}

	if err := st.DeleteFile(ctx, path); err != nil {
		return Delta{}, rerr.New(rerr.Storage, "ReconcileRemoval.DeleteFile", err)
	}
	for _, id := range ids {
		cache.Invalidate(id)
	}
	cache.DrainInvalidations()

	return Delta{RemovedLinks: removedLinks, RemovedNodes: ids}, nil
}
