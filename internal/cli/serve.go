package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/memvault/internal/server"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Run the HTTP API, the background health monitor and the event stream until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Printf("serve: close: %v", err)
				}
			}()

			if err := a.Start(ctx); err != nil {
				return err
			}

			cfg := a.Config
			srv := server.New(cfg, a.Service, a.Hub)
			addr, err := srv.Start(ctx, net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "memvault listening on http://%s\n", addr)

			<-ctx.Done()
			log.Println("serve: shutting down gracefully...")

			// Stop taking requests before the backends close.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
