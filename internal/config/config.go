package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	LedgerBaseURL string

	IndexerBaseURL string
	IndexerAPIKey  string

	PlatformIdentity string

	StockfishPath   string
	AnalysisDepth   int
	AnalysisTimeout time.Duration
	EngineHashMB    int
	EngineThreads   int

	SuspicionACPL       int
	MinMovesForFlag     int
	NearPerfectLossCap  int
	MinNearPerfectMoves int

	BaseRadius        int
	ProvisionalRadius int
	RadiusStep        int
	RadiusCap         int
	RadiusTick        time.Duration
	TrustThreshold    int

	MsgOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:          ":8080",
		AnalysisDepth:       12,
		AnalysisTimeout:     10 * time.Second,
		EngineHashMB:        16,
		EngineThreads:       1,
		SuspicionACPL:       15,
		MinMovesForFlag:     10,
		NearPerfectLossCap:  2,
		MinNearPerfectMoves: 3,
		BaseRadius:          200,
		ProvisionalRadius:   400,
		RadiusStep:          25,
		RadiusCap:           600,
		RadiusTick:          5 * time.Second,
		TrustThreshold:      40,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.LedgerBaseURL = strings.TrimSpace(os.Getenv("LEDGER_BASE_URL"))
	cfg.IndexerBaseURL = strings.TrimSpace(os.Getenv("INDEXER_BASE_URL"))
	cfg.IndexerAPIKey = strings.TrimSpace(os.Getenv("INDEXER_API_KEY"))
	cfg.PlatformIdentity = strings.TrimSpace(os.Getenv("PLATFORM_IDENTITY"))
	cfg.StockfishPath = strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	cfg.MsgOverrideDir = strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR"))

	if v := strings.TrimSpace(os.Getenv("ANALYSIS_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnalysisDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AnalysisTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_HASH_MB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineHashMB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineThreads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SUSPICION_ACPL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SuspicionACPL = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MIN_MOVES_FOR_FLAG")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MinMovesForFlag = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RADIUS_TICK_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RadiusTick = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRUST_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			cfg.TrustThreshold = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.LedgerBaseURL == "" {
		return nil, errors.New("LEDGER_BASE_URL is required")
	}
	if cfg.PlatformIdentity == "" {
		return nil, errors.New("PLATFORM_IDENTITY is required")
	}
	if cfg.StockfishPath == "" {
		return nil, errors.New("STOCKFISH_PATH is required")
	}

	return cfg, nil
}
