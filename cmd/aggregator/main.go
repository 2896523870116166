package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/auth"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/chain"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/store"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/strategy"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/transport"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	db := store.New(rdb, log)

	// ── Chain client (node key + channels contract) ───────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	if _, err := onchain.SyncDomainSeparator(ctx, db, log); err != nil {
		log.Fatal("domain separator sync failed", zap.Error(err))
	}

	// ── Peers and channels ────────────────────────────────────────────────────
	self := ticket.PeerID(cfg.Node.PeerID)
	if err := registerPeers(ctx, db, self, onchain.Address(), cfg.Transport.Peers); err != nil {
		log.Fatal("register peers failed", zap.Error(err))
	}
	syncChannels(ctx, db, onchain, onchain.Address(), cfg.Transport.Peers, log)

	// Leases left by a previous process can no longer be answered.
	if err := recoverLeases(ctx, db, onchain.Address(), log); err != nil {
		log.Fatal("lease recovery failed", zap.Error(err))
	}

	// ── Aggregation pipeline ──────────────────────────────────────────────────
	interaction := aggregation.NewInteraction(ctx, db, onchain.PrivateKey(), cfg.Aggregation.QueueCapacity, log)
	pending := transport.NewPending(cfg.Aggregation.LeaseTimeout())
	peerClient := transport.NewClient(cfg.Transport.URLs(), onchain.PrivateKey(), cfg.Transport.Timeout())

	dispatched := make(chan struct{})
	go func() {
		transport.NewDispatcher(interaction.Outbound(), peerClient, pending, log).Run(ctx)
		close(dispatched)
	}()

	strat := strategy.NewAggregating(cfg.Aggregation, db, onchain, interaction.Writer(), onchain.Address(), log)
	go strat.Run(ctx, cfg.Aggregation.Interval())

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "peer_id": cfg.Node.PeerID})
	})

	api := r.Group("/", auth.Middleware(rdb, db, log))
	transport.NewHandler(interaction.Writer(), pending, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("peer_id", cfg.Node.PeerID),
			zap.String("address", onchain.Address().Hex()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// No new commands. The dispatcher returns once the pipeline has drained.
	interaction.Close()
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		log.Warn("aggregation pipeline did not drain in time")
		interaction.CloseOutbound()
	}
	cancel()
	interaction.Wait()
	log.Info("shutdown complete")
}
