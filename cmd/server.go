package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mxsched/master-core/internal/alert"
	"github.com/mxsched/master-core/internal/config"
	"github.com/mxsched/master-core/internal/coord"
	"github.com/mxsched/master-core/internal/logging"
	"github.com/mxsched/master-core/internal/master"
	"github.com/mxsched/master-core/internal/metrics"
	"github.com/mxsched/master-core/internal/store"
	"github.com/mxsched/master-core/internal/telemetry"
)

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the Master execution core server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func runServer(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cmd: load config: %w", err)
	}

	logging.New(logging.Config{Level: slog.LevelInfo})

	tp, err := telemetry.New(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("cmd: init telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	sqlStore, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("cmd: open store: %w", err)
	}
	cachedStore, err := store.NewCachedStore(sqlStore, 1024)
	if err != nil {
		return fmt.Errorf("cmd: init store cache: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	coordSvc := coord.NewRedisService(redisClient, cfg.Redis.Prefix)

	var sinks []alert.Sink
	if cfg.Alert.SlackToken != "" {
		sinks = append(sinks, alert.NewSlackSink(cfg.Alert.SlackToken, cfg.Alert.SlackChannel))
	}
	if cfg.Alert.DiscordToken != "" {
		discordSession, err := discordgo.New("Bot " + cfg.Alert.DiscordToken)
		if err != nil {
			return fmt.Errorf("cmd: init discord session: %w", err)
		}
		if err := discordSession.Open(); err != nil {
			return fmt.Errorf("cmd: open discord session: %w", err)
		}
		defer discordSession.Close()
		sinks = append(sinks, alert.NewDiscordSink(discordSession, cfg.Alert.DiscordChannel))
	}
	alerter := alert.NewFanOut(sinks...)

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)

	srv := master.New(cfg, cachedStore, coordSvc, alerter, metricsRegistry)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}
	go metricsSrv.ListenAndServe()
	defer metricsSrv.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return srv.Start(ctx)
}
