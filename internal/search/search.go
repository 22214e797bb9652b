// Package search implements §4.G: two providers — structured title/tag
// search over the store, and fuzzy full-text search over cached document
// bodies — sharing a result channel and a per-query cancellation token.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sahilm/fuzzy"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/store"
)

// Logger is the minimal logging surface search needs (for panic recovery).
type Logger interface {
	Error(msg any, keyvals ...any)
}

// Result is one match from either provider, shaped per the wire
// ResultEntry in §6 (minus request_id, attached by the session layer).
type Result struct {
	Provider int
	Title    string
	ID       string
	Tags     []string
	Preview  *Preview
}

// Preview is a [string, u32, u32] triple: the snippet text plus the byte
// offsets of the matched span within it.
type Preview struct {
	Text       string
	Start, End uint32
}

const (
	ProviderStructured = 1
	ProviderFuzzy      = 2
)

// Coordinator owns the shared cancellation token and dispatches both
// providers for each query.
type Coordinator struct {
	st        *store.Store
	cache     *doccache.Cache
	threshold int
	log       Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	structuredCache *lru.Cache[string, []Result] // memoizes the last N structured queries
}

// New returns a Coordinator. threshold is the minimum sahilm/fuzzy score
// for the fuzzy provider to emit a result (spec default 90).
func New(st *store.Store, cache *doccache.Cache, threshold int, log Logger) *Coordinator {
	c, _ := lru.New[string, []Result](64)
	return &Coordinator{st: st, cache: cache, threshold: threshold, log: log, structuredCache: c}
}

// Cancel cancels any in-flight query's token and clears it; the next Feed
// call installs a fresh token of its own.
func (co *Coordinator) Cancel() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.cancel != nil {
		co.cancel()
	}
	co.cancel = nil
}

// Feed spawns both providers as independent concurrent tasks against query,
// streaming results to out until both complete or ctx (a child of the
// session's lifetime context) is cancelled. Feed itself blocks until both
// providers return; callers typically invoke it in its own goroutine so the
// session loop stays responsive.
func (co *Coordinator) Feed(ctx context.Context, query string, out chan<- Result) {
	qctx, cancel := context.WithCancel(ctx)
	co.mu.Lock()
	co.cancel = cancel
	co.mu.Unlock()
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer co.recoverPanic("structured provider")
		co.runStructured(qctx, query, out)
	}()
	go func() {
		defer wg.Done()
		defer co.recoverPanic("fuzzy provider")
		co.runFuzzy(qctx, query, out)
	}()
	wg.Wait()
}

func (co *Coordinator) recoverPanic(provider string) {
	if r := recover(); r != nil {
		if co.log != nil {
			co.log.Error("search provider panicked", "provider", provider, "recover", r)
		}
	}
}

// parsedQuery is the structured provider's view of a query string: tokens,
// tag filters, and a node|tag|regex discriminator parsed from a leading
// ":type node|tag|regex" prefix (default node).
type parsedQuery struct {
	mode       string // "node", "tag", or "regex"
	tokens     []string
	tagFilters []string
	pattern    string // raw regexp source, mode == "regex" only
}

func parseQuery(raw string) parsedQuery {
	if rest, ok := strings.CutPrefix(raw, ":type regex "); ok {
		return parsedQuery{mode: "regex", pattern: rest}
	}

	mode := "node"
	fields := strings.Fields(raw)
	var kept []string
	for i := 0; i < len(fields); i++ {
		if fields[i] == ":type" && i+1 < len(fields) {
			mode = fields[i+1]
			i++
			continue
		}
		kept = append(kept, fields[i])
	}

	pq := parsedQuery{mode: mode}
	if mode == "tag" {
		for _, f := range kept {
			pq.tagFilters = append(pq.tagFilters, strings.TrimPrefix(f, "#"))
		}
		return pq
	}
	for _, f := range kept {
		if strings.HasPrefix(f, "#") && len(f) > 1 {
			pq.tagFilters = append(pq.tagFilters, strings.TrimPrefix(f, "#"))
			continue
		}
		pq.tokens = append(pq.tokens, strings.ToLower(f))
	}
	return pq
}

// runStructured serves provider 1. Results for a given raw query string are
// memoized in a small LRU so repeat keystrokes (the client often re-sends
// a query unchanged, e.g. on reconnect) don't re-hit sqlite.
func (co *Coordinator) runStructured(ctx context.Context, query string, out chan<- Result) {
	if cached, ok := co.structuredCache.Get(query); ok {
		for _, r := range cached {
			select {
			case <-ctx.Done():
				return
			default:
			}
			send(ctx, out, r)
		}
		return
	}

	pq := parseQuery(query)
	var results []Result

	switch pq.mode {
	case "tag":
		ids, err := co.st.IdsByTagIn(ctx, pq.tagFilters)
		if err != nil {
			return
		}
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return
			default:
			}
			title, tags, err := co.st.TitleAndTags(ctx, id)
			if err != nil {
				continue
			}
			results = append(results, Result{Provider: ProviderStructured, Title: title, ID: id, Tags: tags})
		}
	case "regex":
		rows, err := co.st.SearchByTitleRegexp(ctx, pq.pattern, pq.tagFilters)
		if err != nil {
			return
		}
		for _, r := range rows {
			results = append(results, Result{Provider: ProviderStructured, Title: r.Title, ID: r.ID, Tags: r.Tags})
		}
	default:
		rows, err := co.st.SearchByTitleLike(ctx, pq.tokens, pq.tagFilters)
		if err != nil {
			return
		}
		for _, r := range rows {
			results = append(results, Result{Provider: ProviderStructured, Title: r.Title, ID: r.ID, Tags: r.Tags})
		}
	}

	co.structuredCache.Add(query, results)
	for _, r := range results {
		select {
		case <-ctx.Done():
			return
		default:
		}
		send(ctx, out, r)
	}
}

func (co *Coordinator) runFuzzy(ctx context.Context, query string, out chan<- Result) {
	bindings := co.cache.Iter()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].ID < bindings[j].ID }) // deterministic order

	for _, b := range bindings {
		select {
		case <-ctx.Done():
			return
		default:
		}

		matches := fuzzy.Find(query, []string{b.Entry.Content})
		if len(matches) == 0 || matches[0].Score < co.threshold {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		title, tags, err := co.st.TitleAndTags(ctx, b.ID)
		if err != nil {
			continue
		}
		send(ctx, out, Result{
			Provider: ProviderFuzzy,
			Title:    title,
			ID:       b.ID,
			Tags:     tags,
			Preview:  previewOf(b.Entry.Content),
		})
	}
}

func previewOf(content string) *Preview {
	const maxPreview = 160
	end := len(content)
	if end > maxPreview {
		end = maxPreview
	}
	return &Preview{Text: content[:end], Start: 0, End: uint32(end)}
}

func send(ctx context.Context, out chan<- Result, r Result) {
	select {
	case out <- r:
	case <-ctx.Done():
	}
}
