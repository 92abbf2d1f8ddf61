package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the remote zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.engine.SyncNow(cmd.Context())
		if result != nil {
			fmt.Printf("pass %s: %s in %s\n", result.PassID, result.State, result.Duration)
			fmt.Printf("  pushed %d, pulled %d, deleted %d\n", result.Pushed, result.Pulled, result.Deleted)
			if result.ConflictsResolved > 0 {
				fmt.Printf("  conflicts resolved: %d\n", result.ConflictsResolved)
			}
			if result.Deduplicated > 0 {
				fmt.Printf("  duplicates removed: %d\n", result.Deduplicated)
			}
			if result.Skipped > 0 {
				fmt.Printf("  records skipped: %d\n", result.Skipped)
			}
		}
		return err
	},
}
