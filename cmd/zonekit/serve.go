package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	zonehttp "github.com/zonekit/zonekit/transport/http"
	"github.com/zonekit/zonekit/transport/memory"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference remote zone server",
	Long: `Runs an in-memory reference implementation of the remote zone
protocol. State is not persisted; restarting the server loses the
zone. Intended for development and integration testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := zonehttp.NewServer(memory.NewZone(), logger)
		httpServer := &http.Server{
			Addr:              serveAddr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("reference zone server listening", "addr", serveAddr)
			errc <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8600", "listen address")
}
