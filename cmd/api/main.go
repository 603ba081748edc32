package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/httplog"
	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatcher/config"
	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/marcelsud/webhook-dispatcher/dispatch"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/marcelsud/webhook-dispatcher/eventbus/kafka"
	busredis "github.com/marcelsud/webhook-dispatcher/eventbus/redis"
	"github.com/marcelsud/webhook-dispatcher/internal/http/chi"
	"github.com/marcelsud/webhook-dispatcher/metrics"
	"github.com/marcelsud/webhook-dispatcher/stats"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/marcelsud/webhook-dispatcher/subscriber/loader"
	"github.com/marcelsud/webhook-dispatcher/subscriber/memory"
	"github.com/marcelsud/webhook-dispatcher/subscriber/postgres"
	storeredis "github.com/marcelsud/webhook-dispatcher/subscriber/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const TIMEOUT = 30 * time.Second

/* The api process wires the subscriber store, the event bus and the
 * dispatcher together, then serves the administration API.
 * Imports flow one way: main -> dispatch/subscriber -> storage.
 */

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		return
	}
	logger := httplog.NewLogger(cfg.ServiceName, httplog.Options{
		JSON: true,
	})

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Dispatcher stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var redisClient *redis.Client
	getRedis := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
		}
		return redisClient
	}

	repo, err := openStore(ctx, cfg, getRedis)
	if err != nil {
		return err
	}
	defer repo.Close(ctx)

	if cfg.SubscribersFile != "" {
		l := loader.NewLoader()
		if err := l.Load(cfg.SubscribersFile); err != nil {
			return fmt.Errorf("loading subscribers: %w", err)
		}
		inserted, updated, err := l.Seed(ctx, repo)
		if err != nil {
			return fmt.Errorf("seeding subscribers: %w", err)
		}
		logger.Info().Int("inserted", inserted).Int("updated", updated).Msg("Subscribers seeded")
	}

	bus, err := openBus(cfg, getRedis, logger)
	if err != nil {
		return err
	}

	deliveryMetrics := metrics.NewDelivery(prometheus.DefaultRegisterer)
	exec := delivery.NewExecutor(cfg.ProductName, logger)
	exec.FailOnErrorStatus = cfg.FailOnErrorStatus
	exec.Observer = deliveryMetrics

	dispatcher := dispatch.New(repo, exec, logger)
	dispatcher.Observer = deliveryMetrics
	dispatcher.MaxConcurrency = cfg.DispatchMaxConcurrency

	var heartbeats metrics.Heartbeats = metrics.NewLocalHeartbeats()
	if redisClient != nil {
		heartbeats = metrics.NewRedisHeartbeats(redisClient)
	}
	exporter, err := metrics.NewOTelExporter(metrics.NewStoreCollector(repo, heartbeats))
	if err != nil {
		return fmt.Errorf("creating metrics exporter: %w", err)
	}
	defer exporter.Shutdown(context.Background())

	dispatcherID := cfg.DispatcherID
	if dispatcherID == "" {
		host, _ := os.Hostname()
		dispatcherID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info().Str("topic", cfg.EventTopic).Str("bus", cfg.BusDriver).Msg("Consuming platform events")
		if err := bus.Subscribe(ctx, cfg.EventTopic, dispatcher.Handler()); err != nil {
			logger.Error().Err(err).Msg("Event subscription ended")
		}
	}()
	go func() {
		defer wg.Done()
		metrics.Beat(ctx, heartbeats, metrics.DispatcherInfo{
			DispatcherID: dispatcherID,
			Topic:        cfg.EventTopic,
			Bus:          cfg.BusDriver,
			Status:       "running",
		}, time.Duration(cfg.HeartbeatInterval)*time.Second, logger)
	}()

	r := chi.Handlers(ctx, logger, chi.Services{
		Subscribers: subscriber.NewService(repo),
		Prober:      dispatcher,
		Stats:       stats.NewAggregator(repo),
		Publisher:   bus,
		Topic:       cfg.EventTopic,
		Metrics:     exporter.Handler(),
	})
	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      r,
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)
	logger.Info().Str("port", cfg.Port).Str("dispatcher_id", dispatcherID).Msg("Listening")
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	if err := <-errShutdown; err != nil {
		return err
	}

	if err := bus.Close(); err != nil {
		logger.Error().Err(err).Msg("Closing event bus")
	}
	wg.Wait()
	if redisClient != nil {
		redisClient.Close()
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, getRedis func() *redis.Client) (subscriber.Repository, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.NewRepository(), nil
	case "postgres":
		repo, err := postgres.NewRepositoryWithPoolConfig(
			cfg.PostgresDSN,
			cfg.PostgresMaxOpenConns,
			cfg.PostgresMaxIdleConns,
			cfg.PostgresConnMaxLifeMinutes,
		)
		if err != nil {
			return nil, err
		}
		if err := repo.CreateTable(ctx); err != nil {
			repo.Close(ctx)
			return nil, err
		}
		return repo, nil
	default:
		client := getRedis()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		return storeredis.NewRepositoryWithClient(client), nil
	}
}

func openBus(cfg *config.Config, getRedis func() *redis.Client, logger zerolog.Logger) (eventbus.Bus, error) {
	switch cfg.BusDriver {
	case "redis":
		return busredis.NewBus(getRedis(), cfg.RedisStreamGroup, consumerName(cfg), logger), nil
	case "kafka":
		return kafka.NewBus(kafka.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaGroupID, logger), nil
	default:
		return eventbus.NewMemory(logger), nil
	}
}

// consumerName must be stable across restarts so pending stream entries are re-read
func consumerName(cfg *config.Config) string {
	if cfg.DispatcherID != "" {
		return cfg.DispatcherID
	}
	host, err := os.Hostname()
	if err != nil {
		return "dispatcher"
	}
	return host
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		fmt.Printf("\nShutting down server...\n")
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("Forcing closing the server")
	default:
		errShutdown <- fmt.Errorf("Forcing closing the server")
	}
}
