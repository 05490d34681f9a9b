package main

import (
	"context"
	"github.com/cirruslabs/cloudmirror/internal/command"
	"github.com/cirruslabs/cloudmirror/internal/logginglevel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Initialize logger
	cfg := zap.NewProductionConfig()
	cfg.Level = logginglevel.Level
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	zap.ReplaceGlobals(logger)

	// Set up signal interruptible context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the command
	if err := command.NewRootCommand().ExecuteContext(ctx); err != nil {
		logger.Sugar().Error(err)

		//nolint:gocritic // deferred calls above are best-effort anyway
		os.Exit(1)
	}
}
