package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/auth"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/broker"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/call"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/config"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/notify"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/outbox"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/presence"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/push"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/registry"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/repository"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/router"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/typing"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// store is what the messaging components need from storage.
type store interface {
	router.MessageStore
	router.RoomDirectory
	router.UserDirectory
}

// nodeCleaner drops sessions a previous run of this node left behind.
type nodeCleaner interface {
	ClearNode(ctx context.Context, nodeID string) error
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promRegistry)

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node_id", nodeID)

	// Storage
	var (
		db         *sql.DB
		st         store
		outboxRepo repository.OutboxRepository
	)
	switch cfg.StorageBackend {
	case "postgres":
		db, err = sql.Open("postgres", cfg.DBConnStr)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		outboxRepo = repository.NewPostgresOutboxRepository(db)
		st = repository.NewChatRepository(db, outboxRepo, cfg.MemberCacheTTL)
	default:
		mem := repository.NewMemoryStore()
		mem.Open = true
		st = mem
		logger.Warn("using in-memory storage; messages are not durable")
	}

	// Presence mirror
	var presenceRepo presence.Repository
	switch cfg.PresenceBackend {
	case "postgres":
		presenceRepo = presence.NewPostgresRepository(db)
	case "redis":
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		presenceRepo = presence.NewRedisRepository(client)
	}
	if cleaner, ok := presenceRepo.(nodeCleaner); ok {
		if err := cleaner.ClearNode(ctx, nodeID); err != nil {
			logger.Warn("failed to clear stale sessions", "error", err)
		}
	}
	mirror := presence.NewMirror(presenceRepo, nodeID, logger)

	// Realtime components
	reg := registry.New(logger, metrics)
	hub := ws.NewHub(reg, mirror, metrics, logger)
	bc := fanout.New(reg, hub, metrics)

	tracker := presence.NewTracker(reg, bc, cfg.PresenceGrace, logger)
	reg.SetListener(tracker.OnPresenceChanged)

	messages := router.New(st, st, st, bc, router.Options{
		MaxMessageLength: cfg.MaxMessageLength,
		RecentWindow:     cfg.RecentWindow,
	}, metrics, logger)
	typingCoord := typing.New(bc, st, cfg.TypingTTL, logger)
	calls := call.New(bc, st, call.Options{RingTimeout: cfg.RingTimeout}, metrics, logger)
	notifications := notify.New(bc, metrics, logger)

	tracker.AddPeerSource(messages)
	tracker.AddPeerSource(calls)
	hub.SetHandlers(ws.Handlers{Router: messages, Typing: typingCoord, Calls: calls, Presence: tracker})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Debug("background task stopped", "task", name)
		}()
	}

	spawn("registry", func() { reg.Run(ctx) })
	spawn("hub", func() { hub.Run(ctx) })
	spawn("typing", func() { typingCoord.Run(ctx) })

	// Broker
	var mq *broker.RabbitMQClient
	if cfg.AMQPURL != "" {
		mq, err = broker.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer mq.Close()

		messages.SetOfflineNotifier(push.NewNotifier(mq))
		pushWorker := push.NewWorker(mq, push.LogSender{Logger: logger}, logger)
		spawn("push", func() {
			if err := pushWorker.Start(ctx); err != nil {
				logger.Error("push worker failed", "error", err)
			}
		})
		consumer := notify.NewConsumer(mq, notifications, logger)
		spawn("notifications", func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("notification consumer failed", "error", err)
			}
		})
	}

	// Outbox relay
	if outboxRepo != nil {
		var publisher outbox.Publisher
		switch cfg.OutboxSink {
		case "amqp":
			if mq != nil {
				publisher = mq
			} else {
				logger.Warn("outbox sink amqp needs AMQP_URL; relay disabled")
			}
		case "stream":
			sp, err := broker.NewStreamPublisher(cfg.StreamURI, cfg.StreamName)
			if err != nil {
				return err
			}
			defer sp.Close()
			publisher = sp
		}
		if publisher != nil {
			relay := outbox.NewWorker(outboxRepo, publisher, metrics, logger)
			spawn("outbox", func() { relay.Start(ctx, cfg.OutboxInterval) })
		}
	}

	srv := ws.NewServer(hub, auth.NewVerifier(cfg.JWTSecret), notifications, promRegistry, ws.ServerOptions{
		AuthTimeout:   cfg.AuthTimeout,
		InternalToken: cfg.InternalToken,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	cancel()
	wg.Wait()
	tracker.Stop()
	calls.Stop()
	mirror.Close()
	logger.Info("shutdown complete")
	return nil
}
