package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roamdex/roamdex/internal/differ"
	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/fanout"
	"github.com/roamdex/roamdex/internal/httpapi"
	"github.com/roamdex/roamdex/internal/indexer"
	"github.com/roamdex/roamdex/internal/latexrender"
	"github.com/roamdex/roamdex/internal/search"
	"github.com/roamdex/roamdex/internal/session"
	"github.com/roamdex/roamdex/internal/store"
	"github.com/roamdex/roamdex/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the graph, watch for changes, and serve the live-update API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	st, err := store.Open(ctx, cfg.DBPath, cfg.Strict)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache := doccache.New()
	stats, err := indexer.Index(ctx, cfg.Root, st, cache, logger)
	if err != nil {
		return fmt.Errorf("initial index: %w", err)
	}
	logger.Info("initial index complete", "files", stats.Files, "nodes", stats.Nodes, "links", stats.Links)

	reg := fanout.New(logger)
	coord := search.New(st, cache, cfg.FuzzyThreshold, logger)

	var w *watcher.Watcher
	if cfg.FSWatcher {
		w, err = watcher.New(cfg.Root, cfg.Debounce(), st, cache, logger)
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	renderer := latexrender.New(w)

	srv := httpapi.New(cfg.Addr, reg, coord, cache, renderer, logger, cfg.PingInterval())

	g, gctx := errgroup.WithContext(ctx)
	if w != nil {
		updates := make(chan differ.Delta, 16)
		g.Go(func() error { return w.Run(gctx, updates) })
		g.Go(func() error { return publishLoop(gctx, reg, updates) })
	}
	g.Go(func() error { return srv.Start(gctx) })

	return g.Wait()
}

func publishLoop(ctx context.Context, reg *fanout.Registry, updates <-chan differ.Delta) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-updates:
			if !ok {
				return nil
			}
			if err := session.PublishDelta(reg, d); err != nil {
				logger.Warn("failed to publish graph update", "err", err)
			}
		}
	}
}
