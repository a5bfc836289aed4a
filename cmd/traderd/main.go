// Package main implements traderd, the market event analysis daemon. It
// consumes events from NATS, runs each through the analysis pipeline, and
// maintains the bounded event memory shared by all runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/HKUDS/AI-Trader-sub000/internal/config"
	"github.com/HKUDS/AI-Trader-sub000/internal/feed"
	"github.com/HKUDS/AI-Trader-sub000/internal/logging"
	"github.com/HKUDS/AI-Trader-sub000/internal/memory"
	"github.com/HKUDS/AI-Trader-sub000/internal/pipeline"
	"github.com/HKUDS/AI-Trader-sub000/internal/server"
	"github.com/HKUDS/AI-Trader-sub000/internal/workflow"
	"github.com/HKUDS/AI-Trader-sub000/internal/workflow/pgstore"
)

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "traderd",
	Short:   "Market event analysis daemon",
	Long:    `traderd consumes market events, runs each through the screen/filter/classify/assess/decide pipeline, and serves health and metrics endpoints.`,
	Version: version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Memory store, restored from the last snapshot if one exists.
	store, err := memory.NewStore(cfg.Memory.TokenBudget, cfg.Memory.Retention,
		memory.WithMetrics(memory.NewMetrics()))
	if err != nil {
		return fmt.Errorf("create memory store: %w", err)
	}
	if err := store.Restore(cfg.Memory.SnapshotPath); err != nil {
		return fmt.Errorf("restore memory snapshot: %w", err)
	}
	logger.Info(ctx, "memory store ready",
		zap.Int("records", store.Len()),
		zap.Int("tokens_used", store.TokensUsed()),
		zap.Int("token_budget", cfg.Memory.TokenBudget))

	sink, cleanup, err := newRunSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init run sink: %w", err)
	}
	defer cleanup()

	pipe, err := pipeline.New(store, pipeline.NewRuleClassifier(),
		workflow.WithRetryPolicy(workflow.RetryPolicy{
			MaxRetries:    cfg.Workflow.MaxRetries,
			BaseDelay:     cfg.Workflow.BaseDelay,
			MaxDelay:      cfg.Workflow.MaxDelay,
			BackoffFactor: cfg.Workflow.BackoffFactor,
			Jitter:        0.1,
		}),
		workflow.WithStageTimeout(cfg.Workflow.StageTimeout),
		workflow.WithRunTimeout(cfg.Workflow.RunTimeout),
		workflow.WithSink(sink),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(workflow.NewMetrics()),
	)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	nc, err := feed.Connect(cfg.Feed.URL)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Feed.URL))

	events := feed.New(nc, cfg.Feed.Subject, int64(cfg.Workflow.MaxConcurrent), logger.Named("feed"))
	snapshotter := memory.NewSnapshotter(store, cfg.Memory.SnapshotPath, cfg.Memory.SnapshotInterval, logger.Named("memory"))
	srv := server.New(&cfg.Server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		snapshotter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return events.Run(gctx, func(runCtx context.Context, event memory.Event) error {
			state, err := pipe.Run(runCtx, event)
			if err != nil {
				return err
			}
			for _, rec := range pipeline.Recommendations(state) {
				logger.Info(runCtx, "recommendation",
					zap.String("symbol", rec.Symbol),
					zap.String("action", rec.Action),
					zap.Float64("confidence", rec.Confidence),
					zap.String("reason", rec.Reason))
			}
			return nil
		})
	})

	logger.Info(ctx, "traderd started",
		zap.Int("port", cfg.Server.Port),
		zap.String("subject", cfg.Feed.Subject))

	return g.Wait()
}

// newLogger builds the structured logger from config.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format
	if err := logCfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	if logCfg.Level == zapcore.DebugLevel {
		logCfg.Stacktrace.Level = zapcore.WarnLevel
	}
	return logging.NewLogger(logCfg)
}

// newRunSink picks Postgres when a DSN is configured, JSONL files otherwise.
func newRunSink(ctx context.Context, cfg *config.Config) (workflow.RunSink, func(), error) {
	if cfg.RunLog.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.RunLog.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if _, err := pool.Exec(ctx, pgstore.Schema); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure run table: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	sink, err := workflow.NewFileSink(cfg.RunLog.Dir)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {}, nil
}
