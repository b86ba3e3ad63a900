package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"mcpgateway/internal/app"
	"mcpgateway/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway registry",
	Long: `Starts the HTTP entry point together with the background workers:
federation sync, token refresh and the periodic security sweep. The process
runs until SIGINT/SIGTERM and shuts down cooperatively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.NewApplication(ctx, app.Options{
			ConfigPath: configPath,
			Debug:      debug,
			JSONLogs:   jsonLogs,
			Silent:     silent,
		})
		if err != nil {
			return err
		}

		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logging.Warn("Serve", "sd_notify failed: %v", err)
		} else if sent {
			logging.Debug("Serve", "Notified systemd readiness")
		}

		return application.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
