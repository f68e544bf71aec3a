package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/coinwager/ledger-engine/internal/config"
	"github.com/coinwager/ledger-engine/internal/logger"
	"github.com/coinwager/ledger-engine/internal/store"
)

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with \"down\"")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-steps N] up|down|version")
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.ServiceName+"-migrate", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	switch flag.Arg(0) {
	case "up":
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			log.Fatal("migrate up failed", zap.Error(err))
		}
		log.Info("migrations applied")
	case "down":
		if err := store.MigrateDown(cfg.DatabaseURL, *steps); err != nil {
			log.Fatal("migrate down failed", zap.Error(err))
		}
		log.Info("migrations rolled back", zap.Int("steps", *steps))
	case "version":
		version, dirty, err := store.MigrateVersion(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("read migration version failed", zap.Error(err))
		}
		log.Info("migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	default:
		flag.Usage()
		os.Exit(2)
	}
}
