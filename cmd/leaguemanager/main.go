package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/parityleague/backend/internal/config"
	"github.com/parityleague/backend/internal/league"
	"github.com/parityleague/backend/internal/logging"
	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/registry"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "lm-001"
	}

	logger, err := logging.New(cfg.Environment, agentID, protocol.AgentLeagueManager)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	repo := storage.NewRepository(cfg.DataDir)
	reg := registry.New(cfg.TokenSecret, time.Duration(cfg.TokenTTLHours)*time.Hour,
		cfg.MaxParticipants, cfg.MaxReferees, logger)

	breakers := rpc.NewBreakerSet(cfg.BreakerFailures, time.Duration(cfg.BreakerOpenSecs)*time.Second)
	client := rpc.NewClient(protocol.AgentLeagueManager, agentID, breakers, cfg.RetryMaxAttempts, logger)
	token, err := reg.MintLeagueManagerToken(agentID)
	if err != nil {
		logger.Fatal("failed to mint own token", zap.Error(err))
	}
	client.SetToken(token)

	agg, err := league.NewAggregator(cfg.LeagueID, cfg.ReportQueueCapacity, models.DefaultScoring(), repo, logger)
	if err != nil {
		logger.Fatal("failed to restore standings", zap.Error(err))
	}

	mgr, err := league.NewManager(cfg, reg, repo, agg, client, logger)
	if err != nil {
		logger.Fatal("failed to restore league state", zap.Error(err))
	}
	agg.Run()

	srv := rpc.NewServer(protocol.AgentLeagueManager, agentID, version, cfg.MaxBodyBytes, cfg.Environment, logger)
	mgr.RegisterHandlers(srv)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Engine(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("league manager listening",
			zap.String("port", cfg.Port),
			zap.String("league_id", cfg.LeagueID),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down, draining report queue")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSecs)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if !mgr.Stop(time.Duration(cfg.DrainTimeoutSecs) * time.Second) {
		logger.Warn("report queue did not drain before timeout")
	}
	logger.Info("league manager stopped")
}
