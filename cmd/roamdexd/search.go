package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/indexer"
	"github.com/roamdex/roamdex/internal/search"
	"github.com/roamdex/roamdex/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a one-shot search against the current index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		query := strings.Join(args, " ")

		st, err := store.Open(ctx, cfg.DBPath, cfg.Strict)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		cache := doccache.New()
		// Populate the cache so the fuzzy provider has bodies to score
		// against; the store is already built, so re-indexing here is an
		// idempotent no-op on the rows themselves.
		if _, err := indexer.Index(ctx, cfg.Root, st, cache, logger); err != nil {
			return fmt.Errorf("warm cache: %w", err)
		}
		coord := search.New(st, cache, cfg.FuzzyThreshold, logger)

		out := make(chan search.Result, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for r := range out {
				cmd.Printf("[%d] %s (%s) %v\n", r.Provider, r.Title, r.ID, r.Tags)
			}
		}()

		qctx, cancel := context.WithCancel(ctx)
		defer cancel()
		coord.Feed(qctx, query, out)
		close(out)
		<-done
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}
