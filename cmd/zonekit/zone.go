package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var zoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Manage the remote record zone",
}

var zoneCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision the remote zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		// Provisioning happens lazily at the start of the next pass;
		// running one here makes the zone exist immediately.
		if _, err := a.engine.SyncNow(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("zone provisioned")
		return nil
	},
}

var zoneDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the remote zone and reset the local cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.DeleteZoneAndResetCursor(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("zone deleted, cursor reset")
		return nil
	},
}

func init() {
	zoneCmd.AddCommand(zoneCreateCmd)
	zoneCmd.AddCommand(zoneDeleteCmd)
}
