package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/cosync/pkg/adapters/ws"
)

var hubAddr string

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the websocket relay hub participants connect to",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		addr := cfg.Hub.Addr
		if cmd.Flags().Changed("addr") {
			addr = hubAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := ws.NewHub(ws.DefaultSettings(), slog.Default())
		mux := http.NewServeMux()
		mux.Handle("/session", hub)

		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() {
			slog.Info("hub listening", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				fatal("Error serving hub", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fatal("Error shutting down hub", err)
		}
	},
}

func init() {
	hubCmd.Flags().StringVar(&hubAddr, "addr", ":8787", "Listen address")
	rootCmd.AddCommand(hubCmd)
}
