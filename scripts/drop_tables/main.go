package main

import (
	"log/slog"
	"os"

	"github.com/mahaj/marketplace-chat/pkg/config"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/logging"
)

func main() {
	cfg := config.Load("drop-tables")
	logger := logging.New(cfg.Service.Name, cfg.Logger.Level, cfg.Logger.Format)

	hosts := cfg.Scylla.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost:9042"}
	}

	session, err := db.NewSession(hosts, cfg.Scylla.Keyspace)
	if err != nil {
		logger.Error("failed to connect to scylla", logging.Err(err))
		os.Exit(1)
	}
	defer session.Close()

	logger.Info("dropping tables", slog.Any("tables", db.Tables))
	if err := db.Drop(session); err != nil {
		logger.Error("failed to drop tables", logging.Err(err))
		os.Exit(1)
	}
	logger.Info("tables dropped")
}
