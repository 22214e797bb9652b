package main

import (
	"fmt"
	"os"

	clog "charm.land/log/v2"
	"github.com/spf13/cobra"

	"github.com/roamdex/roamdex/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *clog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "roamdexd",
	Short:        "roamdexd indexes and serves an outline document graph",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = clog.New(os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to roamdexd.yaml (optional)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
