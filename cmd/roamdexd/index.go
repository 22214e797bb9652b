package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/indexer"
	"github.com/roamdex/roamdex/internal/store"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build or rebuild the graph from the configured root directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.DBPath, cfg.Strict)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		cache := doccache.New()
		stats, err := indexer.Index(ctx, cfg.Root, st, cache, logger)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}

		cmd.Printf("indexed %d files, %d nodes, %d links, %d tags\n",
			stats.Files, stats.Nodes, stats.Links, stats.Tags)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
