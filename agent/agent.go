package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-fetch/cache"
	"github.com/always-cache/offline-fetch/pkg/metrics"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	tee "github.com/always-cache/offline-fetch/pkg/response-writer-tee"
	withbgsync "github.com/always-cache/offline-fetch/pkg/with-bgsync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// QueuePath lists the queued requests.
const QueuePath = "/.bgsync/queue"

type Config struct {
	// Storage for queued requests. A new MemCache is used if nil.
	Queue cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport to the origin. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
	// How often Run replays the queue. 30 seconds if zero.
	FlushInterval time.Duration
	// How long requests stay queued. Zero keeps them until replayed.
	QueueTTL time.Duration
}

// Agent is a reverse proxy that queues requests for background sync
// while the origin is unreachable, and replays them once it is back.
type Agent struct {
	queue         cache.CacheProvider
	log           zerolog.Logger
	metrics       *metrics.Collector
	reverseproxy  httputil.ReverseProxy
	router        chi.Router
	flushInterval time.Duration
	queueTTL      time.Duration
	flushMutex    *sync.Mutex
}

type contextKey int

const (
	queueKey contextKey = iota
	replayKey
)

// queueable holds the buffered body of a request that may be queued.
type queueable struct {
	body []byte
}

// New creates the agent.
func New(config Config) *Agent {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	a := &Agent{
		queue:         config.Queue,
		log:           logger,
		metrics:       config.Metrics,
		flushInterval: config.FlushInterval,
		queueTTL:      config.QueueTTL,
		flushMutex:    &sync.Mutex{},
	}
	if a.queue == nil {
		a.queue = cache.NewMemCache()
	}
	if a.flushInterval == 0 {
		a.flushInterval = 30 * time.Second
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	a.reverseproxy = httputil.ReverseProxy{
		Director:     createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: a.originUnreachable,
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", getRequestSourceIp(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	}))
	r.Post(reconcile.RemovePath, a.handleRemove)
	r.Get(QueuePath, a.handleQueue)
	r.HandleFunc("/*", a.proxy)
	a.router = r

	return a
}

// ServeHTTP implements the http.Handler interface.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *Agent) proxy(w http.ResponseWriter, r *http.Request) {
	logger := a.getLogger(r)
	logger.Trace().Msgf("proxying %s", r.URL.String())

	// requests that may be queued need their body after the proxy consumed it
	if r.Header.Get(withbgsync.Header) == "1" && withbgsync.Supported(r.Method) {
		q := queueable{}
		if r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				logger.Error().Err(err).Msg("Could not read request body")
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			q.body = body
		}
		r = r.WithContext(context.WithValue(r.Context(), queueKey, q))
	}

	rwtee := tee.NewResponseSaver(w)
	a.reverseproxy.ServeHTTP(rwtee, r)
	logger.Trace().Int("status", rwtee.StatusCode()).Dur("duration", rwtee.Duration()).Msg("Proxied request")
}

// originUnreachable answers requests the origin could not be reached for.
// Marked requests are queued and answered as synced, the rest as offline.
func (a *Agent) originUnreachable(w http.ResponseWriter, r *http.Request, err error) {
	logger := a.getLogger(r)
	if r.Context().Err() != nil {
		logger.Debug().Err(err).Msg("Client went away")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if r.Context().Value(replayKey) != nil {
		logger.Debug().Err(err).Msg("Origin unreachable for replay")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	logger.Debug().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Origin unreachable")
	if q, ok := r.Context().Value(queueKey).(queueable); ok {
		id, qerr := a.enqueue(r, q.body)
		if qerr == nil {
			logger.Debug().Str("id", id).Msg("Request queued for background sync")
			writeStatus(w, envelope{StatusText: "bgSynced"})
			return
		}
		logger.Error().Err(qerr).Msg("Could not queue request")
	}
	status := -1
	writeStatus(w, envelope{Status: &status, StatusText: "offline"})
}

type envelope struct {
	Status     *int   `json:"status,omitempty"`
	StatusText string `json:"statusText"`
}

func writeStatus(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(env)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
		// the marker is for the agent only
		req.Header.Del(withbgsync.Header)
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the agent logger.
func (a *Agent) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &a.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
