package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/relay"
)

// relayShutdownTimeout bounds the graceful stop of the relay.
const relayShutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(newRelayCmd())
}

func newRelayCmd() *cobra.Command {
	var (
		listen   string
		token    string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the message relay",
		Long: `Run the intercepting message relay used when shared memory is unavailable.

The relay answers POST /read, POST /write, GET /version and GET /health
under ` + relay.BasePath + `. Point clients at it with transport.relay.url or
COMSYNC_RELAY_URL.

Example:
  comsync relay --listen 127.0.0.1:8765
  COMSYNC_RELAY_TOKEN=secret comsync relay`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("COMSYNC_RELAY_TOKEN")
			}
			if logLevel != "" {
				level, err := logging.ParseLevel(logLevel)
				if err != nil {
					return err
				}
				logging.SetLevel(level)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serveRelay(ctx, relay.ServerOptions{ListenAddr: listen, Token: token}, func(url string) {
				fmt.Fprintln(cmd.OutOrStdout(), url)
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8765", "address to listen on")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must present")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	return cmd
}

// serveRelay runs a relay until ctx is done. ready is called with the
// relay URL once it is listening.
func serveRelay(ctx context.Context, opts relay.ServerOptions, ready func(url string)) error {
	srv := relay.NewServer(opts)
	if err := srv.Start(); err != nil {
		return err
	}
	if ready != nil {
		ready(srv.URL())
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop relay: %w", err)
	}
	return nil
}
