package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	offlinefetch "github.com/always-cache/offline-fetch"
	"github.com/always-cache/offline-fetch/cache"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var errDeclined = errors.New("background sync declined")

type requestFlags struct {
	RequestConfig
	method   string
	data     string
	headers  []string
	cache    bool
	cacheKey string
	bgSync   bool
	yes      bool
}

func newRequestCmd(global *globalFlags) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send a request through the offline pipeline",
		Example: `  offline-fetch request http://localhost:8080/items --cache
  offline-fetch request -X POST -d '{"name":"x"}' --bgsync --agent http://localhost:8080 http://localhost:8080/items`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := getConfig(global.config)
			if err != nil {
				return fmt.Errorf("could not read config: %w", err)
			}
			requestConfig := config.Request
			applyRequestFlags(cmd, &requestConfig, flags.RequestConfig)
			return runRequest(cmd, args[0], requestConfig, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.method, "method", "X", http.MethodGet, "HTTP method")
	f.StringVarP(&flags.data, "data", "d", "", "JSON request body")
	f.StringArrayVarP(&flags.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	f.DurationVar(&flags.Timeout, "timeout", 0, "Request timeout")
	f.BoolVar(&flags.cache, "cache", false, "Cache the response")
	f.StringVar(&flags.Store, "store", "", "Cache store")
	f.DurationVar(&flags.CacheAge, "cache-age", 0, "How long the cached response stays fresh")
	f.StringVar(&flags.cacheKey, "cache-key", "", "Cache key (the URL if empty)")
	f.StringVar(&flags.CacheDB, "cache-db", "", "Cache DB file name (use 'memory' for in-memory db)")
	f.BoolVar(&flags.bgSync, "bgsync", false, "Queue the request for background sync when offline")
	f.StringVar(&flags.Mode, "mode", "", "Background sync mode (optimistic or pessimistic)")
	f.BoolVarP(&flags.yes, "yes", "y", false, "Confirm background sync without asking")
	f.StringVar(&flags.Agent, "agent", "", "Agent URL to notify of confirmed background syncs")
	f.StringVar(&flags.NATS, "nats", "", "NATS server to notify instead of the agent URL")
	f.StringVar(&flags.Subject, "subject", "", "NATS subject to notify on")
	f.StringVar(&flags.Redis, "redis", "", "Redis server to notify instead of the agent URL")
	f.StringVar(&flags.RedisChannel, "redis-channel", "", "Redis channel to notify on")
	f.StringVar(&flags.Token, "token", "", "Bearer token")

	return cmd
}

func applyRequestFlags(cmd *cobra.Command, config *RequestConfig, flags RequestConfig) {
	f := cmd.Flags()
	override(f, "timeout", &config.Timeout, flags.Timeout)
	override(f, "store", &config.Store, flags.Store)
	override(f, "cache-age", &config.CacheAge, flags.CacheAge)
	override(f, "cache-db", &config.CacheDB, flags.CacheDB)
	override(f, "mode", &config.Mode, flags.Mode)
	override(f, "agent", &config.Agent, flags.Agent)
	override(f, "nats", &config.NATS, flags.NATS)
	override(f, "subject", &config.Subject, flags.Subject)
	override(f, "redis", &config.Redis, flags.Redis)
	override(f, "redis-channel", &config.RedisChannel, flags.RedisChannel)
	override(f, "token", &config.Token, flags.Token)
}

func runRequest(cmd *cobra.Command, url string, config RequestConfig, flags requestFlags) error {
	opts, err := requestOptions(cmd.Context(), config, flags)
	if err != nil {
		return err
	}
	if flags.bgSync {
		opts.BgSync.Confirm = confirmer(cmd.InOrStdin(), cmd.ErrOrStderr(), opts.MethodOrDefault(), url, flags.yes)
	}

	sqlite, err := cache.NewSQLiteCache(dbFilename(config.CacheDB))
	if err != nil {
		return fmt.Errorf("could not open cache db: %w", err)
	}
	defer sqlite.Close()

	channel, closeChannel, err := notifyChannel(config)
	if err != nil {
		return err
	}
	defer closeChannel()

	client := offlinefetch.New(offlinefetch.Config{
		Stores:       cache.NewStores(cache.Config{Provider: sqlite, Logger: &log.Logger}),
		DefaultStore: config.Store,
		Channel:      channel,
		Timeout:      config.Timeout,
		Logger:       &log.Logger,
	})

	pending, err := client.Do(url, opts)
	if err != nil {
		return err
	}
	res, err := pending.Await(cmd.Context())
	if err != nil {
		var terr *request.TransportError
		if errors.As(err, &terr) {
			printResponse(cmd.OutOrStdout(), terr.Response)
		}
		return err
	}
	return printResponse(cmd.OutOrStdout(), res)
}

func requestOptions(ctx context.Context, config RequestConfig, flags requestFlags) (request.Options, error) {
	opts := request.Options{
		Method:  strings.ToUpper(flags.method),
		Context: ctx,
		Timeout: config.Timeout,
		Cache: request.CacheOptions{
			Enabled: flags.cache,
			Store:   config.Store,
			Age:     config.CacheAge,
			Key:     flags.cacheKey,
		},
	}

	if flags.data != "" {
		if !json.Valid([]byte(flags.data)) {
			return opts, errors.New("request body is not valid JSON")
		}
		opts.Body = []byte(flags.data)
	}

	if len(flags.headers) > 0 {
		opts.Header = http.Header{}
		for _, h := range flags.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok {
				return opts, fmt.Errorf("invalid header %q", h)
			}
			opts.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	switch strings.ToLower(config.Mode) {
	case "", "optimistic":
		opts.BgSync.Mode = request.Optimistic
	case "pessimistic":
		opts.BgSync.Mode = request.Pessimistic
	default:
		return opts, fmt.Errorf("unknown background sync mode %q", config.Mode)
	}

	if config.Token != "" {
		opts.Auth.Client = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token})
	}
	return opts, nil
}

// confirmer asks on in whether the request may stay queued.
func confirmer(in io.Reader, out io.Writer, method, url string, yes bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if yes {
			return nil
		}
		fmt.Fprintf(out, "Offline. Send %s %s when back online? [y/N] ", method, url)
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && answer == "" {
			return errDeclined
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return nil
		default:
			return errDeclined
		}
	}
}

// notifyChannel returns the channel confirmed background syncs are reported on.
func notifyChannel(config RequestConfig) (reconcile.Channel, func(), error) {
	switch {
	case config.NATS != "":
		conn, err := nats.Connect(config.NATS, nats.Timeout(5*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("could not connect to nats: %w", err)
		}
		return reconcile.NATSChannel{Conn: conn, Subject: config.Subject}, conn.Close, nil
	case config.Redis != "":
		client := redis.NewClient(&redis.Options{Addr: config.Redis})
		return reconcile.RedisChannel{Client: client, Channel: config.RedisChannel}, func() { client.Close() }, nil
	case config.Agent != "":
		return reconcile.NewHTTPChannel(config.Agent), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func printResponse(w io.Writer, res *request.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
