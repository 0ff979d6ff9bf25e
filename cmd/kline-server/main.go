package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"klinecache/internal/api"
	"klinecache/internal/app"
	"klinecache/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/klinecache.yaml"
	if p := os.Getenv("KLINECACHE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	srv := api.NewServer(a.Orchestrator, a.Cache, a.Index, a.DefaultOptions(), a.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout); err != nil {
		a.Log.Error("server error", "error", err)
	}
}
