package main

import (
	"fmt"
	"sort"

	"streamchat/internal/dwell"

	"github.com/spf13/cobra"
)

func dwellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dwell",
		Short: "Inspect recorded dwell time",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "totals",
		Short: "Print accumulated seconds per route",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.Dwell.DBPath == "" {
				return fmt.Errorf("dwell.dbPath is not configured")
			}
			sink, err := dwell.NewSQLiteSink(cfg.Dwell.DBPath, logger)
			if err != nil {
				return err
			}
			defer sink.Close()

			totals, err := sink.TotalsByRoute()
			if err != nil {
				return err
			}
			routes := make([]string, 0, len(totals))
			for r := range totals {
				routes = append(routes, r)
			}
			sort.Strings(routes)
			for _, r := range routes {
				fmt.Printf("%-30s %10.1fs\n", r, totals[r])
			}
			return nil
		},
	})

	return cmd
}
