// Package main provides the entry point for the evolutionary trading
// engine: it wires the Market Data Gateway, Exchange Executor, Strategy
// Registry, Signal Engine, Scoring Subsystem, Four-Tier Scheduler,
// Evolution Engine, Trade Classifier & Gate, Trade Executor Loop and
// Evolution Log into one running process and serves the control
// surface over HTTP/websocket.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evostrat/engine/internal/api"
	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/data"
	"github.com/evostrat/engine/internal/evolog"
	"github.com/evostrat/engine/internal/evolution"
	"github.com/evostrat/engine/internal/exchange"
	"github.com/evostrat/engine/internal/gate"
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/internal/runtime"
	"github.com/evostrat/engine/internal/scheduler"
	"github.com/evostrat/engine/internal/scoring"
	"github.com/evostrat/engine/internal/signalengine"
	"github.com/evostrat/engine/internal/tradeexec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Bootstrap config file (yaml)")
	host := flag.String("host", "0.0.0.0", "Control surface host")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	bootstrap, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load bootstrap config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("sqlite", bootstrap.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	reg, err := registry.New(db, logger)
	if err != nil {
		logger.Fatal("failed to init strategy registry", zap.Error(err))
	}

	evoLog := evolog.New(logger, 50000, prometheus.DefaultRegisterer)

	cfgStore, err := config.NewStore(db, logger, evoLog)
	if err != nil {
		logger.Fatal("failed to init config store", zap.Error(err))
	}

	symbols := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	startingPrices := map[string]decimal.Decimal{
		"BTC/USDT": decimal.NewFromInt(60000),
		"ETH/USDT": decimal.NewFromInt(3000),
		"SOL/USDT": decimal.NewFromInt(150),
	}

	gateway := marketdata.NewGateway(logger, nil, 500)
	feed := marketdata.NewSimFeed(logger, gateway, startingPrices, time.Second)
	feed.Start(ctx, time.Minute)
	defer feed.Stop()

	paper := exchange.NewPaperAdapter("paper", map[string]decimal.Decimal{
		"USDT": decimal.NewFromInt(10000),
	})
	protected := exchange.NewProtected(paper, logger, 10, 20)

	tradeStore, err := tradeexec.NewStore(db)
	if err != nil {
		logger.Fatal("failed to init trade store", zap.Error(err))
	}
	executor := tradeexec.New(logger, protected, cfgStore, gateway, tradeStore, evoLog)

	signals := signalengine.NewEngine(gateway, 500)
	scorer := scoring.NewCalculator(logger, 1000, 30*24*time.Hour)
	tradeGate := gate.New()

	dataStore, err := data.NewStore(db, logger)
	if err != nil {
		logger.Fatal("failed to init historical data store", zap.Error(err))
	}
	shadow := runtime.NewShadowBacktester(logger, dataStore, scorer, 30)
	validator := runtime.NewValidator(signals, executor, tradeStore, cfgStore.GetInt("param_validation_trades"),
		cfgStore.GetDecimal("min_sim_win_rate"), cfgStore.GetDecimal("min_sim_pnl"))

	evoEngine := evolution.New(logger, reg, cfgStore, evoLog, shadow, validator)
	evolver := runtime.NewEvolver(logger, reg, cfgStore, evoEngine)

	if err := evolver.Bootstrap(ctx, symbols); err != nil {
		logger.Fatal("failed to bootstrap initial population", zap.Error(err))
	}
	go evolver.Run(ctx, cfgStore.GetDuration("T2_interval"))

	evaluator := runtime.NewEvaluator(logger, reg, cfgStore, evoLog, signals, tradeGate, executor, scorer, tradeStore)
	sched := scheduler.New(logger, reg, cfgStore, evoLog, evaluator)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", *host, bootstrap.Server.Port)
	server := api.NewServer(logger, addr, reg, cfgStore, evoLog)
	server.SetSnapshotSource(sched)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.String("http", fmt.Sprintf("http://%s/api/v1", addr)),
		zap.String("ws", fmt.Sprintf("ws://%s/ws", addr)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	if err := sched.Stop(context.Background()); err != nil {
		logger.Error("error stopping scheduler", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("engine stopped")
}


func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
