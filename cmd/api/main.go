package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loanEngine/pkg/cache"
	"github.com/mcclellann/loanEngine/pkg/config"
	"github.com/mcclellann/loanEngine/pkg/ledger"
	"github.com/mcclellann/loanEngine/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// runServicing sweeps the loan book every interval until ctx is done.
func (s *Server) runServicing(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ledger.RunDailyServicing(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("servicing sweep failed", zap.String("op", "api.runServicing"), zap.Error(err))
			}
		}
	}
}

func openScoreCache(cfg *config.Config, logger *zap.Logger) (cache.ScoreCache, func()) {
	if cfg.Redis.Addr == "" {
		return cache.NopScoreCache{}, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := cache.NewRedisScoreCache(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
	if err != nil {
		logger.Warn("redis unavailable, customer scores will not be cached",
			zap.String("op", "api.openScoreCache"),
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		return cache.NopScoreCache{}, func() {}
	}
	return rc, func() { rc.Close() }
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize SQLite store", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer sqliteStore.Close()

	scores, closeScores := openScoreCache(cfg, logger)
	defer closeScores()

	server := NewServer(sqliteStore, logger,
		ledger.WithScoreCache(scores),
		ledger.WithNPAThreshold(cfg.Policy.NPAThresholdDays),
		ledger.WithMaxEMIToIncomeRatio(decimal.NewFromFloat(cfg.Policy.MaxEMIToIncomeRatio)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go server.runServicing(ctx, cfg.Servicing.Interval)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("database", cfg.Database.Path))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
