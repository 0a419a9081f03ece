package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/planforge/planforge/internal/adapter/agentrpc"
	"github.com/planforge/planforge/internal/adapter/filestore"
	pfhttp "github.com/planforge/planforge/internal/adapter/http"
	"github.com/planforge/planforge/internal/adapter/kafka"
	pfnats "github.com/planforge/planforge/internal/adapter/nats"
	pfotel "github.com/planforge/planforge/internal/adapter/otel"
	"github.com/planforge/planforge/internal/adapter/rabbitmq"
	"github.com/planforge/planforge/internal/adapter/ws"
	"github.com/planforge/planforge/internal/approvalcache"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/domain/policy"
	"github.com/planforge/planforge/internal/eventbus"
	"github.com/planforge/planforge/internal/logger"
	"github.com/planforge/planforge/internal/middleware"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/resilience"
	"github.com/planforge/planforge/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "planforge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"messaging", cfg.Messaging.Type,
		"state_path", cfg.State.Path,
		"policy_bundle", cfg.Policy.DefaultBundle,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := pfotel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(context.Background()) }()

	// --- Infrastructure ---

	store, err := filestore.Open(cfg.State.Path, log)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	queue, err := connectBroker(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("broker (%s): %w", cfg.Messaging.Type, err)
	}
	defer func() { _ = queue.Close() }()

	bundle, err := resolveBundle(cfg.Policy)
	if err != nil {
		return fmt.Errorf("policy bundle: %w", err)
	}

	cache, err := approvalcache.New(store)
	if err != nil {
		return fmt.Errorf("approval cache: %w", err)
	}
	defer cache.Close()

	bus := eventbus.New(eventbus.Options{
		HistoryLimit:     cfg.Events.HistoryLimit,
		TerminalTTL:      cfg.Events.TerminalTTL,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	}, log)

	agent := agentrpc.NewClient(cfg.Agent.BaseURL, agentrpc.Options{
		DefaultTimeout: cfg.Agent.DefaultTimeout,
		MaxRetries:     cfg.Agent.MaxRetries,
		RetryBaseDelay: cfg.Agent.RetryBaseDelay,
	})
	agent.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---

	hub := ws.NewHub(log)
	bus.RegisterSink(hub.BroadcastStepEvent)

	engine := service.New(store, queue, agent, bus, cache, bundle, service.Options{
		RetryMax:     cfg.Queue.RetryMax,
		RetryBackoff: cfg.Queue.RetryBackoff,
		RunMode:      cfg.Policy.RunMode,
		AgentName:    cfg.Logging.Service,
	}, log)

	metrics, err := pfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	engine.SetMetrics(metrics)

	planner := service.NewTemplatePlanner(cfg.Planner.ArtifactsDir, log)

	// Replay current state for subscribers before consumers start;
	// broker redelivery picks queued work back up.
	if err := engine.RecoverActive(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	stopSteps, err := engine.RunStepConsumer(ctx)
	if err != nil {
		return fmt.Errorf("step consumer: %w", err)
	}
	defer stopSteps()

	stopCompletions, err := engine.RunCompletionConsumer(ctx)
	if err != nil {
		return fmt.Errorf("completion consumer: %w", err)
	}
	defer stopCompletions()

	// --- HTTP ---

	handlers := pfhttp.NewHandlers(engine, planner, bus, cfg.Planner.ArtifactsDir, cfg.Events.SSEKeepAlive, log)

	r := chi.NewRouter()
	r.Use(pfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.TraceID)
	r.Use(pfhttp.Logger)
	r.Use(pfotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	pfhttp.MountRoutes(r, handlers, hub)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bus.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// connectBroker dials the configured messaging backend. A failed
// connect is fatal to startup; mid-life outages are the adapters'
// reconnect problem.
func connectBroker(ctx context.Context, cfg *config.Config, log *slog.Logger) (messagequeue.Queue, error) {
	switch cfg.Messaging.Type {
	case "rabbitmq":
		return rabbitmq.Connect(ctx, cfg.Messaging.RabbitMQ.URL, cfg.Messaging.RabbitMQ.Prefetch, log)
	case "kafka":
		return kafka.Connect(ctx, kafka.Options{
			Brokers:              cfg.Messaging.Kafka.Brokers,
			GroupID:              cfg.Messaging.Kafka.GroupID,
			ConsumeFromBeginning: cfg.Messaging.Kafka.ConsumeFromBeginning,
		}, log)
	case "nats":
		return pfnats.Connect(ctx, cfg.Messaging.NATS.URL, log)
	default:
		return nil, fmt.Errorf("unknown messaging type %q", cfg.Messaging.Type)
	}
}

// resolveBundle picks the configured policy bundle from the built-in
// presets or the custom bundle directory.
func resolveBundle(cfg config.Policy) (*policy.Bundle, error) {
	if b, ok := policy.PresetByName(cfg.DefaultBundle); ok {
		return &b, nil
	}
	if cfg.CustomDir != "" {
		bundles, err := policy.LoadFromDirectory(cfg.CustomDir)
		if err != nil {
			return nil, err
		}
		for i := range bundles {
			if bundles[i].Name == cfg.DefaultBundle {
				return &bundles[i], nil
			}
		}
	}
	return nil, fmt.Errorf("bundle %q not found", cfg.DefaultBundle)
}
