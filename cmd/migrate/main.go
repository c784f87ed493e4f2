package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"school-backend/internal/db"
	"school-backend/internal/observability"
)

type migrateConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
}

func main() {
	_ = godotenv.Load()
	logger := observability.NewLogger()

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	var cfg migrateConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(1)
	}

	if err := db.Migrate(cfg.DatabaseURL, direction); err != nil {
		logger.Error("migrate_failed", map[string]any{"direction": direction, "error": err.Error()})
		os.Exit(1)
	}
	logger.Info("migrate_completed", map[string]any{"direction": direction})
}
