package main

import (
	"log/slog"
	"os"

	"github.com/mahaj/marketplace-chat/pkg/config"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/logging"
)

func main() {
	cfg := config.Load("migrate")
	logger := logging.New(cfg.Service.Name, cfg.Logger.Level, cfg.Logger.Format)

	hosts := cfg.Scylla.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost:9042"}
	}

	if err := db.Migrate(hosts, cfg.Scylla.Keyspace); err != nil {
		logger.Error("migration failed", logging.Err(err))
		os.Exit(1)
	}
	logger.Info("schema ready", slog.String("keyspace", cfg.Scylla.Keyspace), slog.Any("tables", db.Tables))
}
