package abortcontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Aborted is returned by Controller.Abort when the cancellation went through.
const Aborted = "aborted"

// Provider is the platform cancellation primitive.
type Provider interface {
	WithCancel(parent context.Context) (context.Context, context.CancelFunc)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(parent context.Context) (context.Context, context.CancelFunc)

func (f ProviderFunc) WithCancel(parent context.Context) (context.Context, context.CancelFunc) {
	return f(parent)
}

// Native cancels through context.WithCancel.
var Native Provider = ProviderFunc(context.WithCancel)

var errReleased = errors.New("controller released")

// Controller pairs a cancellation token with the function that trips it.
type Controller struct {
	// Signal is the token handed to the transport.
	Signal  context.Context
	abort   func() (string, error)
	base    context.Context
	release context.CancelCauseFunc
	aborted *atomic.Bool
}

// Abort trips the token. It returns Aborted on success and never panics:
// a failing cancel is returned as the error instead.
// The inert controller returns ("", nil).
func (c Controller) Abort() (string, error) {
	if c.abort == nil {
		return "", nil
	}
	return c.abort()
}

// Release frees the token once the request settled, without tripping it.
// The Signal is done afterwards but Aborted stays false.
func (c Controller) Release() {
	if c.release != nil {
		c.release(errReleased)
	}
}

// Aborted reports whether the token was tripped by Abort or by its parent.
func (c Controller) Aborted() bool {
	if c.Signal == nil || c.Signal.Err() == nil {
		return false
	}
	if c.aborted != nil && c.aborted.Load() {
		return true
	}
	return c.base == nil || !errors.Is(context.Cause(c.base), errReleased)
}

// Factory creates controllers from its provider.
// The zero Factory has no provider and creates inert controllers.
type Factory struct {
	Provider Provider
}

// NewFactory returns a factory using the native provider.
func NewFactory() Factory {
	return Factory{Provider: Native}
}

// Create returns a new controller derived from parent.
func (f Factory) Create(parent context.Context) Controller {
	if parent == nil {
		parent = context.Background()
	}
	if f.Provider == nil {
		return Controller{Signal: parent}
	}

	// base unregisters the token from parent on Release
	base, release := context.WithCancelCause(parent)
	signal, cancel := f.Provider.WithCancel(base)
	aborted := &atomic.Bool{}
	var mu sync.Mutex
	return Controller{
		Signal:  signal,
		base:    base,
		release: release,
		aborted: aborted,
		abort: func() (marker string, err error) {
			mu.Lock()
			defer mu.Unlock()
			defer func() {
				if r := recover(); r != nil {
					marker = ""
					if e, ok := r.(error); ok {
						err = e
					} else {
						err = fmt.Errorf("%v", r)
					}
				}
			}()
			cancel()
			aborted.Store(true)
			return Aborted, nil
		},
	}
}
