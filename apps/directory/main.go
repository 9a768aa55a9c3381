package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/mahaj/marketplace-chat/pkg/auth"
	"github.com/mahaj/marketplace-chat/pkg/config"
	"github.com/mahaj/marketplace-chat/pkg/directory"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/snowflake"
)

func main() {
	cfg := config.Load("directory")
	logger := logging.New(cfg.Service.Name, cfg.Logger.Level, cfg.Logger.Format)

	store, closeStore, err := directory.OpenStore(cfg.Directory.Driver, cfg.Directory.DSN, cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
	if err != nil {
		logger.Error("failed to open room store", slog.String("driver", cfg.Directory.Driver), logging.Err(err))
		os.Exit(1)
	}

	node, err := snowflake.NewNode(int64(cfg.Directory.NodeID))
	if err != nil {
		logger.Error("failed to initialize snowflake node", logging.Err(err))
		os.Exit(1)
	}

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	handler := directory.NewHandler(store, issuer, node.NextID, logger)

	srv := &http.Server{
		Addr:              cfg.Service.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("directory service starting", slog.String("addr", srv.Addr), slog.String("driver", cfg.Directory.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", logging.Err(err))
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Service.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			"room-store": func(ctx context.Context) error {
				closeStore()
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info("directory service exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}
