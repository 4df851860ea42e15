package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"laresbridge/internal/activity"
	"laresbridge/internal/api"
	"laresbridge/internal/broadcast"
	"laresbridge/internal/clock"
	"laresbridge/internal/config"
	"laresbridge/internal/names"
	"laresbridge/internal/panel"
	"laresbridge/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	// Bootstrap logger; replaced once the configured level is known.
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger = buildLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Lares bridge",
		zap.String("panel", fmt.Sprintf("%s:%d", cfg.PanelHost, cfg.PanelPort)),
		zap.Bool("secure", cfg.PanelSecure),
		zap.Int("http_port", cfg.HTTPPort))

	clk := clock.NewReal()

	act := activity.NewCache(
		filepath.Join(cfg.DataDir, "zones_last_seen.json"),
		activity.DefaultFlushInterval, clk, logger)
	act.Load()

	ovr := names.NewOverrides(
		filepath.Join(cfg.DataDir, "thermo_names.json"), clk, logger)

	bc := broadcast.New(broadcast.DefaultQueueSize, logger)
	st := store.New(clk, act, ovr, bc, logger)

	client := panel.NewClient(panel.Options{
		Host:               cfg.PanelHost,
		Port:               cfg.PanelPort,
		Secure:             cfg.PanelSecure,
		PIN:                cfg.PIN,
		ZonesPollInterval:  cfg.ZonesPollInterval(),
		ThermoPollInterval: cfg.ThermoPollInterval(),
	}, st, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx, client.Unhandled())

	if err := client.Connect(); err != nil {
		// The reconnect loop owns recovery from here; the bridge still
		// serves its HTTP surface while the panel is unreachable.
		logger.Error("Initial panel connection failed, will retry", zap.Error(err))
		go client.Reconnect()
	}

	server := api.NewServer(st, client, ovr, bc, logger, cfg.HTTPPort)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	server.Shutdown()
	client.Disconnect()
	if err := act.Flush(); err != nil {
		logger.Error("Final activity flush failed", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
