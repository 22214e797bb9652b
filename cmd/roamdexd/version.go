package main

import "github.com/spf13/cobra"

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the roamdexd version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.Println(version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
