package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/mahaj/marketplace-chat/pkg/archive"
	"github.com/mahaj/marketplace-chat/pkg/bus"
	"github.com/mahaj/marketplace-chat/pkg/config"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/logging"
)

func main() {
	cfg := config.Load("archiver")
	logger := logging.New(cfg.Service.Name, cfg.Logger.Level, cfg.Logger.Format)

	if len(cfg.Kafka.Brokers) == 0 || len(cfg.Scylla.Hosts) == 0 {
		logger.Error("archiver needs KAFKA_BROKERS and SCYLLA_HOSTS")
		os.Exit(1)
	}

	if err := db.Migrate(cfg.Scylla.Hosts, cfg.Scylla.Keyspace); err != nil {
		logger.Error("failed to migrate scylla", logging.Err(err))
		os.Exit(1)
	}
	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
	if err != nil {
		logger.Error("failed to connect to scylla", logging.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared durable group: each frame is archived once across replicas.
	frames := bus.NewKafkaBus(bus.KafkaConfig{
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		GroupID:   cfg.Kafka.GroupID,
		FromStart: true,
	}, logger)

	archiver := archive.New(db.NewMessageStore(session), logger)
	if err := frames.Subscribe(ctx, archiver.Handler(ctx)); err != nil {
		logger.Error("failed to subscribe", logging.Err(err))
		os.Exit(1)
	}
	logger.Info("archiver consuming", slog.String("topic", cfg.Kafka.Topic), slog.String("group", cfg.Kafka.GroupID))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: cfg.Service.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", logging.Err(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Service.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"health-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			"consumer": func(ctx context.Context) error {
				cancel()
				return frames.Close()
			},
			"scylla": func(ctx context.Context) error {
				session.Close()
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info("archiver exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}
