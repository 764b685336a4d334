package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/parityleague/backend/internal/config"
	"github.com/parityleague/backend/internal/logging"
	"github.com/parityleague/backend/internal/player"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "player-001"
	}
	contact := cfg.ContactEndpoint
	if contact == "" {
		contact = fmt.Sprintf("http://localhost:%s", cfg.Port)
	}

	logger, err := logging.New(cfg.Environment, agentID, protocol.AgentPlayer)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	strategy, err := player.NewStrategy(cfg.Strategy, time.Now().UnixNano())
	if err != nil {
		logger.Fatal("bad strategy config", zap.Error(err))
	}

	repo := storage.NewRepository(cfg.DataDir)
	breakers := rpc.NewBreakerSet(cfg.BreakerFailures, time.Duration(cfg.BreakerOpenSecs)*time.Second)
	client := rpc.NewClient(protocol.AgentPlayer, agentID, breakers, cfg.RetryMaxAttempts, logger)

	agent, err := player.NewAgent(agentID, strategy, client, repo, logger)
	if err != nil {
		logger.Fatal("failed to restore player history", zap.Error(err))
	}

	srv := rpc.NewServer(protocol.AgentPlayer, agentID, version, cfg.MaxBodyBytes, cfg.Environment, logger)
	agent.RegisterHandlers(srv)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Engine(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("player listening",
			zap.String("port", cfg.Port),
			zap.String("strategy", strategy.Name()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	regCtx, regCancel := context.WithTimeout(ctx, 2*time.Minute)
	leagueID, err := agent.RegisterWithLM(regCtx, cfg.LeagueManagerURL, contact)
	regCancel()
	if err != nil {
		logger.Fatal("registration with league manager failed", zap.Error(err))
	}
	logger.Info("waiting for invitations", zap.String("league_id", leagueID))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	history := agent.History()
	logger.Info("player stopped",
		zap.Int("matches_played", len(history.Matches)),
		zap.Int("points", history.Points),
	)
}
