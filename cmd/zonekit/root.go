package main

import (
	"github.com/spf13/cobra"

	"github.com/zonekit/zonekit/config"
	"github.com/zonekit/zonekit/logging"
)

var (
	cfgPath string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "zonekit",
	Short: "Offline-first record synchronization",
	Long: `zonekit keeps a local SQLite entity store in sync with a remote
record zone: it pushes tracked local changes, resolves conflicts,
pulls remote deltas and deduplicates the result.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger = logging.NewLogger(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default zonekit.yaml)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(zoneCmd)
	rootCmd.AddCommand(serveCmd)
}
