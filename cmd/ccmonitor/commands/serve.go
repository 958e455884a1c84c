package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/audit"
	"github.com/dusancv22/CC-Release-Monitor/internal/channel"
	"github.com/dusancv22/CC-Release-Monitor/internal/channel/telegram"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/gateway"
	"github.com/dusancv22/CC-Release-Monitor/internal/metrics"
	"github.com/dusancv22/CC-Release-Monitor/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the approval server",
		RunE:  runServe,
	}
	cmd.Flags().Bool("no-telegram", false, "Do not start the Telegram bot even if enabled in config")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	withTelegram := cfg.Telegram.Enabled
	if cmd != nil {
		if off, _ := cmd.Flags().GetBool("no-telegram"); off {
			withTelegram = false
		}
	}

	store, err := approval.OpenSQLite(cfg.Approval.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := metrics.New(nil)
	hub := gateway.NewHub(gateway.WithSubscriberObserver(recorder))
	svc := approval.NewService(store,
		approval.WithMaxPayloadBytes(cfg.Approval.MaxPayloadBytes),
		approval.WithListener(hub),
		approval.WithListener(recorder),
	)
	if path := cfg.Approval.AuditLog; path != "" {
		svc.Subscribe(audit.NewWriter(path))
	}

	server := gateway.New(cfg.Server, gateway.HandlerOptions{
		Token:           cfg.Server.Token,
		Queue:           svc,
		Hub:             hub,
		Metrics:         recorder,
		MetricsHandler:  promhttp.Handler(),
		MaxPayloadBytes: cfg.Approval.MaxPayloadBytes,
	})
	sw := sweeper.New(sweeper.Config{
		SweepInterval: cfg.Approval.SweepInterval(),
		MaxAge:        cfg.Approval.Timeout(),
		PurgeInterval: cfg.Approval.PurgeInterval(),
		Retention:     cfg.Approval.Retention(),
	}, svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		slog.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("gateway shutdown failed", "error", err)
		}
		return nil
	})
	g.Go(func() error { return sw.Run(gctx) })

	if withTelegram {
		bot := newTelegramBot(cfg, recorder)
		g.Go(func() error {
			if err := bot.Run(gctx); err != nil {
				return fmt.Errorf("telegram bot failed: %w", err)
			}
			return nil
		})
	}

	fmt.Printf("ccmonitor approval server running. Gateway: http://%s\nPress Ctrl+C to stop.\n", server.Addr())
	if err := g.Wait(); err != nil {
		slog.Error("server component failed", "error", err)
		return err
	}
	return nil
}

func newTelegramBot(cfg *config.Config, recorder telegram.SendRecorder) *telegram.Bot {
	opts := []telegram.Option{}
	if recorder != nil {
		opts = append(opts, telegram.WithSendRecorder(recorder))
	}
	return telegram.New(cfg.Telegram, channel.NewSession(cfg.Telegram.AllowFrom), newQueueClient(cfg), opts...)
}
