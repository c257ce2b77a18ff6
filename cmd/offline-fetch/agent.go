package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/offline-fetch/agent"
	"github.com/always-cache/offline-fetch/cache"
	"github.com/always-cache/offline-fetch/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newAgentCmd(global *globalFlags) *cobra.Command {
	var flags AgentConfig

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background sync agent in front of an origin",
		Long:  "The agent proxies requests to the origin. While the origin is unreachable it queues requests marked for background sync and replays them once the origin is back.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := getConfig(global.config)
			if err != nil {
				return fmt.Errorf("could not read config: %w", err)
			}
			agentConfig := config.Agent
			applyAgentFlags(cmd, &agentConfig, flags)
			return runAgent(cmd.Context(), agentConfig)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.Origin, "origin", "", "Origin URL to proxy to")
	f.StringVar(&flags.Host, "host", "", "Hostname of origin")
	f.IntVarP(&flags.Port, "port", "p", 8080, "Port to listen on")
	f.StringVar(&flags.DB, "db", "queue.db", "Queue DB file name (use 'memory' for in-memory db)")
	f.StringVar(&flags.Redis, "redis", "", "Redis address to keep the queue in (instead of the db)")
	f.DurationVar(&flags.FlushInterval, "flush-interval", 30*time.Second, "How often to replay the queue")
	f.DurationVar(&flags.QueueTTL, "queue-ttl", 0, "How long requests stay queued (0 keeps them until replayed)")
	f.StringVar(&flags.NATS, "nats", "", "NATS server to receive confirmations from")
	f.StringVar(&flags.Subject, "subject", "", "NATS subject to receive confirmations on")
	f.StringVar(&flags.RedisChannel, "redis-channel", "", "Redis channel to receive confirmations on (needs --redis)")
	f.BoolVar(&flags.Metrics, "metrics", false, "Serve prometheus metrics on /metrics")

	return cmd
}

func applyAgentFlags(cmd *cobra.Command, config *AgentConfig, flags AgentConfig) {
	f := cmd.Flags()
	override(f, "origin", &config.Origin, flags.Origin)
	override(f, "host", &config.Host, flags.Host)
	override(f, "port", &config.Port, flags.Port)
	override(f, "db", &config.DB, flags.DB)
	override(f, "redis", &config.Redis, flags.Redis)
	override(f, "flush-interval", &config.FlushInterval, flags.FlushInterval)
	override(f, "queue-ttl", &config.QueueTTL, flags.QueueTTL)
	override(f, "nats", &config.NATS, flags.NATS)
	override(f, "subject", &config.Subject, flags.Subject)
	override(f, "redis-channel", &config.RedisChannel, flags.RedisChannel)
	override(f, "metrics", &config.Metrics, flags.Metrics)
}

func runAgent(ctx context.Context, config AgentConfig) error {
	if config.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}
	if config.RedisChannel != "" && config.Redis == "" {
		return errors.New("a redis channel needs a redis address")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)

	var queue cache.CacheProvider
	var redisClient *redis.Client
	if config.Redis != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: config.Redis})
		defer redisClient.Close()
		queue = cache.NewRedisCacheFromClient(redisClient)
	} else {
		sqlite, err := cache.NewSQLiteCache(dbFilename(config.DB))
		if err != nil {
			return fmt.Errorf("could not open queue db: %w", err)
		}
		defer sqlite.Close()
		queue = sqlite
	}

	a := agent.New(agent.Config{
		Queue:         queue,
		OriginURL:     *originURL,
		OriginHost:    config.Host,
		Logger:        &log.Logger,
		Metrics:       collector,
		FlushInterval: config.FlushInterval,
		QueueTTL:      config.QueueTTL,
	})

	if config.NATS != "" {
		conn, err := nats.Connect(config.NATS)
		if err != nil {
			return fmt.Errorf("could not connect to nats: %w", err)
		}
		defer conn.Drain()
		if _, err := a.SubscribeNATS(conn, config.Subject); err != nil {
			return err
		}
	}
	if config.RedisChannel != "" {
		go func() {
			if err := a.SubscribeRedis(ctx, redisClient, config.RedisChannel); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Redis subscription ended")
			}
		}()
	}

	router := chi.NewRouter()
	if config.Metrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	router.Mount("/", a)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go a.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), config.Host)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down")
	return server.Shutdown(shutdownCtx)
}
