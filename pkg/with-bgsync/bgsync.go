// Package withbgsync hands requests that found the client offline to the
// sync agent, which performs them once the origin is reachable again.
//
// A request opts in by setting Options.BgSync.Confirm. When the request
// resolves offline it is re-issued with the "bgSync: 1" header, which tells
// the agent to queue it:
//
//   - Optimistic (default): re-issue first. Once the agent reports the request
//     as queued, Confirm is called; if it returns nil the queued request is
//     dropped again through the reconciliation channel.
//   - Pessimistic: call Confirm first and re-issue only if it returns nil.
//
// Either way the caller gets request.Offline(). Failures of the background
// steps are logged and never returned.
package withbgsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/always-cache/offline-fetch/pkg/metrics"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Header marks a request the agent should queue.
const Header = "bgSync"

var (
	ErrMethodNotSupported = errors.New("request method is not supported by the bgSync")
	ErrNoChannel          = errors.New("no reconciliation channel")
	errNotQueued          = errors.New("request was not queued")
	errPanicked           = errors.New("panic in background sync")
)

var supportedMethods = []string{http.MethodPost, http.MethodDelete, http.MethodPut}

// Option configures the middleware.
type Option func(*bgSync)

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *bgSync) { b.log = logger }
}

// WithMetrics records the outcome of every background sync.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *bgSync) { b.metrics = m }
}

type bgSync struct {
	channel reconcile.Channel
	log     zerolog.Logger
	metrics *metrics.Collector
}

// New returns the background sync middleware notifying channel.
// A nil channel is allowed; confirmed optimistic syncs then leave the
// request queued.
func New(channel reconcile.Channel, opts ...Option) request.Middleware {
	b := &bgSync{channel: channel, log: log.Logger}
	for _, opt := range opts {
		opt(b)
	}
	return b.wrap
}

// Supported reports whether requests with method can be synced in background.
func Supported(method string) bool {
	for _, m := range supportedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (b *bgSync) wrap(next request.Func) request.Func {
	return func(url string, opts request.Options) (*request.Pending, error) {
		sync := opts.BgSync
		opts.BgSync = request.BgSyncOptions{}
		if sync.Confirm == nil {
			return next(url, opts)
		}

		if method := opts.MethodOrDefault(); !Supported(method) {
			return nil, fmt.Errorf("'%s' %w", method, ErrMethodNotSupported)
		}

		initial, err := next(url, opts)
		if err != nil {
			return nil, err
		}

		return initial.Then(func(res *request.Response, err error) (*request.Response, error) {
			if err != nil || !res.IsOffline() {
				return res, err
			}
			b.sync(next, url, opts, sync)
			return request.Offline(), nil
		}), nil
	}
}

// sync runs the background steps of a request that found the client offline.
func (b *bgSync) sync(next request.Func, url string, opts request.Options, sync request.BgSyncOptions) {
	logger := b.log.With().Str("url", url).Str("method", opts.Method).Stringer("mode", sync.Mode).Logger()
	ctx := opts.Ctx()

	err := b.run(ctx, next, url, opts, sync)

	result := outcome(sync.Mode, err)
	b.metrics.BgSync(sync.Mode.String(), result)
	if err != nil {
		logger.Debug().Err(err).Str("outcome", result).Msg("Background sync did not complete")
		return
	}
	logger.Trace().Str("outcome", result).Msg("Background sync completed")
}

// run performs the steps of the mode. Panics of caller code are returned as errors.
func (b *bgSync) run(ctx context.Context, next request.Func, url string, opts request.Options, sync request.BgSyncOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	confirm := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errPanicked, r)
			}
		}()
		return sync.Confirm(ctx)
	}
	if sync.Mode == request.Pessimistic {
		return b.pessimistic(ctx, next, url, opts, confirm)
	}
	return b.optimistic(ctx, next, url, opts, confirm)
}

func (b *bgSync) optimistic(ctx context.Context, next request.Func, url string, opts request.Options, confirm func(context.Context) error) error {
	res, err := retry(next, url, opts)
	if err != nil {
		return err
	}
	if !res.IsBgSynced() {
		return errNotQueued
	}
	if err := confirm(ctx); err != nil {
		return &confirmError{err}
	}
	if b.channel == nil {
		return &notifyError{ErrNoChannel}
	}
	if err := b.channel.Notify(ctx, reconcile.RemoveBgSynced(url, opts.Method)); err != nil {
		return &notifyError{err}
	}
	return nil
}

func (b *bgSync) pessimistic(ctx context.Context, next request.Func, url string, opts request.Options, confirm func(context.Context) error) error {
	if err := confirm(ctx); err != nil {
		return &confirmError{err}
	}
	_, err := retry(next, url, opts)
	return err
}

// retry re-issues the request with the queue marker.
func retry(next request.Func, url string, opts request.Options) (*request.Response, error) {
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(Header, "1")
	opts.Header = header

	pending, err := next(url, opts)
	if err != nil {
		return nil, err
	}
	return pending.Wait()
}

type confirmError struct{ err error }

func (e *confirmError) Error() string { return "confirmation failed: " + e.err.Error() }
func (e *confirmError) Unwrap() error { return e.err }

type notifyError struct{ err error }

func (e *notifyError) Error() string { return "notification failed: " + e.err.Error() }
func (e *notifyError) Unwrap() error { return e.err }

func outcome(mode request.BgSyncMode, err error) string {
	var cerr *confirmError
	var nerr *notifyError
	switch {
	case err == nil && mode == request.Pessimistic:
		return metrics.BgSyncQueued
	case err == nil:
		return metrics.BgSyncRemoved
	case errors.Is(err, errNotQueued):
		return metrics.BgSyncNotQueued
	case errors.As(err, &cerr):
		return metrics.BgSyncDeclined
	case errors.As(err, &nerr):
		return metrics.BgSyncNotification
	default:
		return metrics.BgSyncFailed
	}
}
