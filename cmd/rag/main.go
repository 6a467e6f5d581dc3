package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rag/internal/cli"
	"rag/internal/logger"
)

func main() {
	logger.Setup("info", "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
