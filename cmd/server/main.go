package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"chat-relay/internal/broadcast"
	"chat-relay/internal/delivery"
	"chat-relay/internal/history"
	"chat-relay/internal/presence"
	"chat-relay/internal/purge"
	"chat-relay/internal/report"
	"chat-relay/internal/server"
	"chat-relay/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	purgeCfg := purge.EnvConfig{}
	if err := env.Parse(&purgeCfg); err != nil {
		sugar.Fatalf("Cannot parse purge env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, storageCfg, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	if err := store.InitSchema(context.Background()); err != nil {
		sugar.Fatalf("Cannot initialize schema: %v", err)
	}

	registry := presence.NewRegistry()
	reporter := report.NewZapReporter(sugar)

	core := server.Core{
		Directory: store,
		Registry:  registry,
		Delivery:  delivery.NewEngine(sugar, store, registry, reporter),
		History:   history.NewReconstructor(sugar, store),
		Broadcast: broadcast.NewChannel(sugar, store, registry, reporter),
		Reporter:  reporter,
	}

	job, err := purge.NewJob(sugar, store, purgeCfg)
	if err != nil {
		sugar.Fatalf("Cannot create purge job: %v", err)
	}
	stopPurge := job.Start(context.Background())

	serverOpts := []server.Option{
		server.WithEnvConfig(serverCfg),
		server.ReadHeaderTimeout(5 * time.Second),
		server.RegisterAfterShutdown(stopPurge),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.New(sugar, core, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start server: %v", err)
	}
}
