// Command initializer applies the bootstrap file to persisted state and exits.
// It needs FARM_PERSIST so the seeded pools and vaults outlive the process.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/leafsii/leafsii-farming/internal/config"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/initializer"
	"github.com/leafsii/leafsii-farming/internal/log"
	"github.com/leafsii/leafsii-farming/internal/repository"
	"github.com/leafsii/leafsii-farming/pkg/kv"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/leafsii/leafsii-farming/pkg/kv/redis"
)

func main() {
	bootstrapPath := flag.String("bootstrap", "", "bootstrap file (defaults to FARM_BOOTSTRAP_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.Database.Persist || cfg.Cache.Backend != string(kv.BackendRedis) {
		logger.Fatalw("Seeding needs FARM_PERSIST=true and FARM_KV_BACKEND=redis")
	}

	path := *bootstrapPath
	if path == "" {
		path = cfg.Engine.BootstrapFile
	}
	bootstrap, err := config.LoadBootstrap(path)
	if err != nil {
		logger.Fatalw("Failed to load bootstrap", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	kvStore, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendRedis, RedisURL: cfg.Cache.RedisAddr})
	if err != nil {
		logger.Fatalw("Failed to connect to redis", "error", err)
	}
	defer kvStore.Close()

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer db.Close()

	eng := engine.New(host.NewKVLedger(kvStore), host.SystemClock{}, logger, engine.Config{
		MinDuration:   cfg.Engine.MinDuration,
		AllowMint:     cfg.Engine.AllowMint,
		ReleaseWindow: cfg.Engine.ReleaseWindow(),
	}, engine.WithStateStore(repository.NewRepository(db, logger)))
	if err := eng.Restore(ctx); err != nil {
		logger.Fatalw("Failed to restore state", "error", err)
	}

	result, err := initializer.Initialize(ctx, eng, bootstrap, cfg.Engine.AllowMint, logger)
	if err != nil {
		logger.Fatalw("Failed to apply bootstrap", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Fatalw("Failed to write result", "error", err)
	}
}
