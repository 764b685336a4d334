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
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/referee"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "referee-001"
	}
	contact := cfg.ContactEndpoint
	if contact == "" {
		contact = fmt.Sprintf("http://localhost:%s", cfg.Port)
	}

	logger, err := logging.New(cfg.Environment, agentID, protocol.AgentReferee)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	repo := storage.NewRepository(cfg.DataDir)
	breakers := rpc.NewBreakerSet(cfg.BreakerFailures, time.Duration(cfg.BreakerOpenSecs)*time.Second)
	client := rpc.NewClient(protocol.AgentReferee, agentID, breakers, cfg.RetryMaxAttempts, logger)

	conductor := referee.NewConductor(agentID, client, repo, cfg.MaxConcurrentMatches, nil, logger)
	conductor.RecoverStale(time.Duration(cfg.FailedMatchGraceSecs) * time.Second)

	srv := rpc.NewServer(protocol.AgentReferee, agentID, version, cfg.MaxBodyBytes, cfg.Environment, logger)
	conductor.RegisterHandlers(srv)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Engine(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("referee listening", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Registration retries until the LM comes up.
	regCtx, regCancel := context.WithTimeout(ctx, 2*time.Minute)
	leagueID, err := conductor.RegisterWithLM(regCtx, cfg.LeagueManagerURL, contact, cfg.MaxConcurrentMatches)
	regCancel()
	if err != nil {
		logger.Fatal("registration with league manager failed", zap.Error(err))
	}
	logger.Info("ready for match assignments", zap.String("league_id", leagueID))

	conductor.StartOutboxLoop(ctx, time.Duration(cfg.OutboxResendSecs)*time.Second)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("referee stopped", zap.Int("active_matches", conductor.ActiveMatches()))
}
