// Command magicgatewayd runs the MAGIC multi-link aggregation gateway: one
// control-protocol socket, a policy-driven link selector, a DLM adapter per
// configured datalink, dataplane programming, CDR accounting, and the
// server-push notification engine, all wired by internal/orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/magic-gateway/internal/config"
	"github.com/your-org/magic-gateway/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "/etc/magic-gateway/gateway.yaml", "Path to configuration file")
	simulateDataplane := flag.Bool("simulate-dataplane", false, "Use the in-memory dataplane instead of nftables/netlink")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests during shutdown")
	flag.Parse()

	logger := initLogger("info")
	defer func() { _ = logger.Sync() }()

	logger.Info("starting magicgatewayd", zap.String("config", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger = withLogLevel(logger, cfg.Gateway.LogLevel)

	logger.Info("configuration loaded",
		zap.String("gateway_name", cfg.Gateway.Name),
		zap.String("control_addr", cfg.Gateway.ControlListenAddr),
		zap.Int("dlm_count", len(cfg.DLMs)),
		zap.Int("client_count", len(cfg.Clients)),
	)

	dp, err := newDataPlane(*simulateDataplane, logger)
	if err != nil {
		logger.Fatal("failed to initialize dataplane", zap.Error(err))
	}

	gw, err := orchestrator.New(cfg, dp, logger)
	if err != nil {
		logger.Fatal("failed to wire gateway components", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- gw.Run(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("gateway exited with error", zap.Error(err))
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		select {
		case <-runErr:
		case <-time.After(*shutdownTimeout):
			logger.Warn("shutdown timeout exceeded, exiting anyway")
		}
	}

	logger.Info("magicgatewayd stopped")
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}

// withLogLevel rebuilds the logger at the level named in the loaded
// configuration, falling back to the bootstrap logger on a bad value.
func withLogLevel(base *zap.Logger, level string) *zap.Logger {
	if level == "" {
		return base
	}
	l := initLogger(level)
	return l
}
