package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/google/uuid"

	"github.com/mahaj/marketplace-chat/pkg/archive"
	"github.com/mahaj/marketplace-chat/pkg/auth"
	"github.com/mahaj/marketplace-chat/pkg/bus"
	"github.com/mahaj/marketplace-chat/pkg/config"
	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/directory"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/presence"
	"github.com/mahaj/marketplace-chat/pkg/roomserver"
)

func main() {
	cfg := config.Load("gateway")
	logger := logging.New(cfg.Service.Name, cfg.Logger.Level, cfg.Logger.Format)
	origin := "gateway-" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var frames bus.Bus
	if len(cfg.Kafka.Brokers) > 0 {
		// Unique group per instance so every gateway sees every frame.
		frames = bus.NewKafkaBus(bus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID + "-" + origin,
		}, logger)
	} else {
		logger.Warn("no kafka brokers configured, frames stay in this process")
		frames = bus.NewLocalBus()
	}

	var pres presence.Store
	if cfg.Redis.Addr != "" {
		rdb := presence.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Error("failed to reach redis", slog.String("addr", cfg.Redis.Addr), logging.Err(err))
			os.Exit(1)
		}
		pres = rdb
	} else {
		pres = presence.NewMemory()
	}

	var (
		history roomserver.History
		session *db.Session
	)
	if len(cfg.Scylla.Hosts) > 0 {
		if err := db.Migrate(cfg.Scylla.Hosts, cfg.Scylla.Keyspace); err != nil {
			logger.Error("failed to migrate scylla", logging.Err(err))
			os.Exit(1)
		}
		var err error
		session, err = db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
		if err != nil {
			logger.Error("failed to connect to scylla", logging.Err(err))
			os.Exit(1)
		}
		store := db.NewMessageStore(session)
		history = store

		if _, local := frames.(*bus.LocalBus); local {
			// Without kafka there is no separate archiver to persist frames.
			archiver := archive.New(store, logger)
			if err := frames.Subscribe(ctx, archiver.Handler(ctx)); err != nil {
				logger.Error("failed to subscribe archiver", logging.Err(err))
				os.Exit(1)
			}
		}
	}

	// Participants come from the room directory's store.
	rooms, closeRooms, err := directory.OpenStore(cfg.Directory.Driver, cfg.Directory.DSN, cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
	if err != nil {
		logger.Error("failed to open room store", slog.String("driver", cfg.Directory.Driver), logging.Err(err))
		os.Exit(1)
	}

	hub := roomserver.NewHub(roomserver.Options{
		Origin:       origin,
		Bus:          frames,
		Presence:     pres,
		History:      history,
		HistoryLimit: cfg.Gateway.HistoryLimit,
		Membership:   rooms,
		Logger:       logger,
	})
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil {
			logger.Error("hub stopped", logging.Err(err))
			os.Exit(1)
		}
	}()

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	server := roomserver.NewServer(hub, issuer, roomserver.ServerOptions{
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: int64(cfg.Gateway.MaxMessageSize),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Service.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gateway service starting", slog.String("addr", srv.Addr), slog.String("origin", origin))
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
			"hub": func(ctx context.Context) error {
				cancel()
				select {
				case <-hubDone:
				case <-ctx.Done():
					return ctx.Err()
				}
				return frames.Close()
			},
			"presence": func(ctx context.Context) error {
				return pres.Close()
			},
			"room-store": func(ctx context.Context) error {
				closeRooms()
				return nil
			},
			"scylla": func(ctx context.Context) error {
				if session != nil {
					session.Close()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info("gateway service exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}
