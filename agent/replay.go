package agent

import (
	"context"
	"time"

	"github.com/always-cache/offline-fetch/cache"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	tee "github.com/always-cache/offline-fetch/pkg/response-writer-tee"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Replay results.
const (
	ReplayOK       = "ok"
	ReplayRejected = "rejected"
	ReplayFailed   = "failed"
)

// Flush replays the queued requests in the order they were queued.
// Requests the origin accepts (2xx) or rejects (4xx) are removed from the queue.
// Flushing stops at the first request that fails otherwise, so that the order
// is kept for the next flush. It returns the number of removed requests.
func (a *Agent) Flush(ctx context.Context) (int, error) {
	a.flushMutex.Lock()
	defer a.flushMutex.Unlock()

	queued, err := a.Queued()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, q := range queued {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		result := a.replay(ctx, q)
		a.metrics.AgentReplayed(result)
		if result == ReplayFailed {
			a.log.Debug().Str("id", q.ID).Int("remaining", len(queued)-removed).Msg("Replay failed, pausing flush")
			return removed, nil
		}
		if err := a.queue.Purge(q.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (a *Agent) replay(ctx context.Context, q QueuedEntry) string {
	req := q.Request.WithContext(context.WithValue(ctx, replayKey, true))
	// the server side fields of a read request do not apply to proxying
	req.RequestURI = ""

	a.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("id", q.ID).
		Msg("Replaying queued request")

	rw := tee.NewResponseSaver(nil)
	a.reverseproxy.ServeHTTP(rw, req)

	status := rw.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return ReplayOK
	case status >= 400 && status < 500:
		a.log.Warn().Str("id", q.ID).Int("status", status).Bytes("body", rw.Body()).Msg("Origin rejected queued request, dropping it")
		return ReplayRejected
	default:
		return ReplayFailed
	}
}

// Run flushes the queue every flush interval until ctx is done.
// Expired queue entries are purged before every flush.
func (a *Agent) Run(ctx context.Context) {
	a.log.Info().Msgf("Starting replay loop with interval %s", a.flushInterval)
	janitor := cache.Janitor{Provider: a.queue, Prefix: queuePrefix, Logger: &a.log}
	for {
		if purged, err := janitor.Sweep(); err != nil {
			a.log.Error().Err(err).Msg("Could not purge expired queued requests")
		} else if purged > 0 {
			a.log.Info().Int("purged", purged).Msg("Dropped expired queued requests")
		}
		if removed, err := a.Flush(ctx); err != nil {
			a.log.Error().Err(err).Msg("Could not flush queue")
		} else if removed > 0 {
			a.log.Info().Int("replayed", removed).Msg("Flushed queued requests")
		} else {
			a.log.Trace().Msg("Nothing replayed, pausing")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.flushInterval):
		}
	}
}

// SubscribeNATS removes queued requests as messages arrive on subject.
func (a *Agent) SubscribeNATS(conn *nats.Conn, subject string) (*nats.Subscription, error) {
	return reconcile.SubscribeNATS(conn, subject, a, &a.log)
}

// SubscribeRedis removes queued requests as messages arrive on channel, until ctx is done.
func (a *Agent) SubscribeRedis(ctx context.Context, client redis.UniversalClient, channel string) error {
	return reconcile.SubscribeRedis(ctx, client, channel, a, &a.log)
}
