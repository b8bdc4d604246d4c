package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	handler "retellcal/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "retellcal",
		Short:         "Relay Retell call webhooks to Cal.com bookings",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default $CONFIG_FILE or ./config.toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "tenants",
			Short: "List configured tenants",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRepository(configPath, func(repo *handler.Repository) error {
					return printTenants(cmd.Context(), cmd, repo)
				})
			},
		},
		&cobra.Command{
			Use:   "logs",
			Short: "List recent call logs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRepository(configPath, func(repo *handler.Repository) error {
					return printLogs(cmd.Context(), cmd, repo)
				})
			},
		},
	)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	config, err := handler.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	logger := handler.MustNewLogger(config.LogLevel, config.LogFormat)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	gin.SetMode(config.GinMode)

	store, err := handler.NewStore(config)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer store.Close()

	repo := handler.NewRepository(store, config.MaxCallLogs)
	cal := handler.NewCalService(config, logger)
	app := handler.NewApp(config, repo, cal, logger)

	server := &http.Server{
		Addr:              config.Addr(),
		Handler:           handler.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting retell cal relay",
		zap.String("addr", server.Addr),
		zap.String("store_driver", config.StoreDriver),
		zap.String("store_path", config.StorePath),
		zap.String("cal_base_url", config.CalBaseURL),
		zap.String("cal_auth_mode", config.CalAuthMode),
		zap.Bool("webhook_signature_check", config.HasWebhookSecret()),
	)
	if !config.HasWebhookSecret() {
		logger.Warn("RETELL_WEBHOOK_SECRET not set; skipping signature verification")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func withRepository(configPath string, fn func(repo *handler.Repository) error) error {
	config, err := handler.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	store, err := handler.NewStore(config)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(handler.NewRepository(store, config.MaxCallLogs))
}

func printTenants(ctx context.Context, cmd *cobra.Command, repo *handler.Repository) error {
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAGENT ID\tEVENT TYPE\tTIMEZONE\tAPI KEY")
	for _, t := range tenants {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Name, t.RetellAgentID, t.CalEventTypeID, t.TimeZone, maskKey(t.CalAPIKey))
	}
	return w.Flush()
}

func printLogs(ctx context.Context, cmd *cobra.Command, repo *handler.Repository) error {
	logs, err := repo.ListLogs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCALL ID\tCLIENT\tSTATUS\tBOOKED")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			l.Timestamp.Format(time.RFC3339), l.CallID, l.ClientName, l.Status, l.Booked)
	}
	return w.Flush()
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
