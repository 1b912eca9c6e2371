package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxbpm/fluxbpm/internal/config"
	"github.com/fluxbpm/fluxbpm/pkg/bpmn"
	storageinmemory "github.com/fluxbpm/fluxbpm/pkg/storage/inmemory"
	"github.com/hashicorp/go-hclog"
)

func main() {
	conf := config.InitConfig()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.LevelFromString(os.Getenv("LOG_LEVEL")),
	})

	store := storageinmemory.NewStorage()
	engine, err := bpmn.NewEngine(
		bpmn.WithConfig(conf.Engine),
		bpmn.WithStorage(store),
		bpmn.WithTxExecutor(storageinmemory.Tx{}),
		bpmn.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	logger.Info("engine started", "name", conf.Name,
		"startRateLimit", conf.Engine.StartRateLimit, "startRateWindow", conf.Engine.StartRateWindow)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
}
