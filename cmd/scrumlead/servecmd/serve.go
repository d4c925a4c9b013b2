// Package servecmd runs the HTTP webhook server for platform callbacks.
package servecmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrumlead/scrumlead/internal/app"
	"github.com/scrumlead/scrumlead/internal/configutil"
	"github.com/scrumlead/scrumlead/internal/signature"
	"github.com/scrumlead/scrumlead/internal/webhook"
)

func New(loggerFromViper func() (*slog.Logger, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Slack webhooks over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			signingSecret := strings.TrimSpace(configutil.FlagOrViperString(cmd, "signing-secret", "slack.signing_secret"))
			if signingSecret == "" {
				return fmt.Errorf("missing slack.signing_secret (set via --signing-secret or SCRUMLEAD_SLACK_SIGNING_SECRET)")
			}
			verifier, err := signature.NewVerifier(signingSecret, signature.Options{})
			if err != nil {
				return err
			}
			listen := strings.TrimSpace(configutil.FlagOrViperString(cmd, "listen", "listen"))
			if listen == "" {
				listen = "127.0.0.1:8710"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartHousekeeping(ctx)

			identity, err := a.Slack.AuthTest(ctx)
			if err != nil {
				return err
			}
			a.Router.SetSelfUserID(identity.BotUserID)

			srv, err := webhook.StartServer(ctx, logger, webhook.ServerOptions{
				Listen: listen,
				Routes: webhook.RoutesOptions{
					Verifier:      verifier,
					Dedup:         a.Dedup,
					Router:        a.Router,
					Dispatcher:    a.Dispatcher,
					Logger:        logger,
					HealthEnabled: true,
				},
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			logger.Info("serve_stopped")
			return nil
		},
	}
	cmd.Flags().String("listen", "", "listen address (default 127.0.0.1:8710)")
	cmd.Flags().String("signing-secret", "", "Slack signing secret")
	return cmd
}
