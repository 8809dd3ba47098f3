// Command hdrcache-clean is the CLI driver for the age-based cache sweep:
// the "external collaborator" spec.md §6 assumes runs on a timer (a cron
// job or systemd timer) rather than living inside the engine itself.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/distr1/hdrcache"
)

func main() {
	var dir string
	var days int

	rootCmd := &cobra.Command{
		Use:   "hdrcache-clean",
		Short: "Remove aged entries from a hdrcache directory",
		Long: `hdrcache-clean opens a cache directory and removes every entry whose
modification and access times are both older than --days, across both
the small-value and large-value tiers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(dir, days)
		},
	}

	rootCmd.Flags().StringVar(&dir, "dir", ".", "cache directory to clean")
	rootCmd.Flags().IntVar(&days, "days", 30, "remove entries older than this many days")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClean(dir string, days int) error {
	h, err := hdrcache.Open(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Printf("hdrcache-clean: close: %v", err)
		}
	}()

	if err := h.Clean(days); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}
