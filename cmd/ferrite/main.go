package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/lodeworks/ferrite/internal/api"
	"github.com/lodeworks/ferrite/internal/config"
	"github.com/lodeworks/ferrite/internal/engine"
	"github.com/lodeworks/ferrite/internal/schema"
)

func main() {
	configPath := flag.String("config", "", "path to ferrite.toml (defaults to the working directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("ferrite: starting",
		"listen_addr", cfg.Server.ListenAddr,
		"schema_path", cfg.SchemaPath,
		"language", cfg.Language.Name,
		"adapter", cfg.Adapter.Type,
	)

	sch, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		log.Fatalf("failed to load schema: %v", err)
	}

	eng, err := engine.New(cfg, sch, logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	if err := eng.Initialize(); err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	stats := eng.Stats()
	logger.Info("engine ready",
		"events", stats.Events,
		"crons", stats.Crons,
		"apis", stats.Apis,
	)

	srv := api.NewServer(cfg.Server.ListenAddr, eng, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
