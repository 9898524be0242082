package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/analysis"
	appcfg "github.com/chessbets/match-server/internal/config"
	"github.com/chessbets/match-server/internal/engine/uci"
	"github.com/chessbets/match-server/internal/gateway"
	"github.com/chessbets/match-server/internal/ledger"
	"github.com/chessbets/match-server/internal/matchqueue"
	"github.com/chessbets/match-server/internal/msgcat"
	"github.com/chessbets/match-server/internal/obslog"
	"github.com/chessbets/match-server/internal/openings"
	"github.com/chessbets/match-server/internal/review"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/internal/settlement"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis ping error: %v", err)
	}
	cancel()

	queue := matchqueue.New(matchqueue.NewRedisHistory(rdb), matchqueue.Config{
		BaseRadius:        cfg.BaseRadius,
		ProvisionalRadius: cfg.ProvisionalRadius,
		RadiusStep:        cfg.RadiusStep,
		RadiusCap:         cfg.RadiusCap,
		TrustThreshold:    cfg.TrustThreshold,
		Tick:              cfg.RadiusTick,
	})
	sessions := session.NewManager()

	ledgerClient := ledger.NewClient(cfg.LedgerBaseURL)

	catalog, err := openings.LoadCatalog()
	if err != nil {
		log.Fatalf("opening catalog error: %v", err)
	}
	var lookup openings.OwnerLookup
	if cfg.IndexerBaseURL != "" {
		lookup = openings.NewIndexerClient(cfg.IndexerBaseURL, cfg.IndexerAPIKey)
	}
	resolver := openings.NewResolver(catalog, lookup, cfg.PlatformIdentity)

	analyzer := analysis.New(
		analysis.NewEngineFactory(cfg.StockfishPath, uci.Options{Threads: cfg.EngineThreads, HashMB: cfg.EngineHashMB}, cfg.AnalysisTimeout),
		analysis.Thresholds{
			Depth:               cfg.AnalysisDepth,
			SuspicionACPL:       cfg.SuspicionACPL,
			MinMovesForFlag:     cfg.MinMovesForFlag,
			NearPerfectLossCap:  cfg.NearPerfectLossCap,
			MinNearPerfectMoves: cfg.MinNearPerfectMoves,
		},
	)

	deps := gateway.Deps{
		Queue:    queue,
		Sessions: sessions,
		Ledger:   ledgerClient,
		Analyzer: analyzer,
		Settler:  settlement.New(ledgerClient, resolver, cfg.PlatformIdentity),
		Catalog:  cat,
	}

	var repo *review.Repository
	if cfg.DatabaseURL != "" {
		repo, err = review.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("review repo init error: %v", err)
		}
		deps.Verdicts = repo
	} else {
		obslog.L().Warn("verdict_archive_disabled")
	}

	gw := gateway.New(deps)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// widen waiting searchers on a fixed cadence
	go func() {
		t := time.NewTicker(cfg.RadiusTick)
		defer t.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-t.C:
				gw.NotifyExpanded(rootCtx, queue.ExpandRadii())
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		obslog.L().Info("server_listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("server_failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	obslog.L().Info("server_shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = rdb.Close()
	if repo != nil {
		_ = repo.Close()
	}
}
