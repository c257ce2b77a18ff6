// Package withabort bounds every request by a timeout and makes it cancellable.
//
//	request := withabort.New(withabort.Config{})(transport)
//	pending, _ := request("/items", request.Options{Timeout: time.Second})
//	pending.Cancel() // aborts the request
//
// A request still running when the timeout fires is aborted as if Cancel had been called.
package withabort

import (
	"time"

	abortcontroller "github.com/always-cache/offline-fetch/pkg/abort-controller"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout applies when neither the request nor the config sets one.
const DefaultTimeout = 5 * time.Second

type Config struct {
	// Factory creates the cancellation token of each request.
	// The zero value creates inert tokens; use abortcontroller.NewFactory for real ones.
	Factory abortcontroller.Factory
	// Timeout used when a request does not set one. DefaultTimeout if zero.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// New returns the abort middleware.
func New(config Config) request.Middleware {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	defaultTimeout := config.Timeout
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}

	return func(next request.Func) request.Func {
		return func(url string, opts request.Options) (*request.Pending, error) {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			opts.Timeout = 0

			ctl := config.Factory.Create(opts.Ctx())
			timer := time.AfterFunc(timeout, func() {
				marker, err := ctl.Abort()
				logger.Trace().Str("url", url).Dur("timeout", timeout).Str("abort", marker).AnErr("abortErr", err).Msg("Request timed out")
			})

			opts.Signal = ctl.Signal
			pending, err := next(url, opts)
			if err != nil {
				timer.Stop()
				ctl.Release()
				return nil, err
			}

			settled := pending.Then(func(res *request.Response, err error) (*request.Response, error) {
				timer.Stop()
				ctl.Release()
				return res, err
			})
			return settled.WithCancel(func() {
				ctl.Abort()
				timer.Stop()
				pending.Cancel()
			}), nil
		}
	}
}
