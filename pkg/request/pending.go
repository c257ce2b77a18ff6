package request

import (
	"context"
	"sync"
)

type outcome struct {
	done chan struct{}
	res  *Response
	err  error
}

// Pending is a handle to an in-flight request.
// It holds the eventual result and a cancel capability.
// Handles derived with Then and WithCancel share the result of their source.
type Pending struct {
	o      *outcome
	cancel func()
}

// Go runs fn in its own goroutine and returns a handle to its result.
// The handle cannot be cancelled; use WithCancel to attach a cancel function.
func Go(fn func() (*Response, error)) *Pending {
	o := &outcome{done: make(chan struct{})}
	go func() {
		defer close(o.done)
		o.res, o.err = fn()
	}()
	return &Pending{o: o}
}

// Resolved returns an already settled handle.
func Resolved(res *Response) *Pending {
	return settled(res, nil)
}

// Rejected returns a handle already settled with err.
func Rejected(err error) *Pending {
	return settled(nil, err)
}

func settled(res *Response, err error) *Pending {
	o := &outcome{done: make(chan struct{}), res: res, err: err}
	close(o.done)
	return &Pending{o: o}
}

// Deferred runs fn in its own goroutine. Inner handles passed to attach
// become the target of Cancel, so cancelling the returned handle reaches
// whichever inner call is in flight. The context handed to fn is done once
// the handle is cancelled or fn returns.
func Deferred(parent context.Context, fn func(ctx context.Context, attach func(*Pending)) (*Response, error)) *Pending {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := context.WithCancel(parent)

	var (
		mu        sync.Mutex
		inner     *Pending
		cancelled bool
	)
	attach := func(p *Pending) {
		mu.Lock()
		inner = p
		c := cancelled
		mu.Unlock()
		if c {
			p.Cancel()
		}
	}

	p := Go(func() (*Response, error) {
		defer stop()
		return fn(ctx, attach)
	})
	p.cancel = func() {
		mu.Lock()
		cancelled = true
		in := inner
		mu.Unlock()
		stop()
		if in != nil {
			in.Cancel()
		}
	}
	return p
}

// Done is closed once the request settled.
func (p *Pending) Done() <-chan struct{} {
	return p.o.done
}

// Wait blocks until the request settled and returns its result.
func (p *Pending) Wait() (*Response, error) {
	<-p.o.done
	return p.o.res, p.o.err
}

// Await is like Wait but gives up when ctx is done.
// Giving up does not cancel the request.
func (p *Pending) Await(ctx context.Context) (*Response, error) {
	select {
	case <-p.o.done:
		return p.o.res, p.o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the request already settled.
func (p *Pending) Settled() bool {
	select {
	case <-p.o.done:
		return true
	default:
		return false
	}
}

// Cancel asks the request to stop. It is safe to call at any time and more than once.
func (p *Pending) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Then returns a handle to the result of fn applied to the result of p.
// The returned handle cancels through p.
func (p *Pending) Then(fn func(*Response, error) (*Response, error)) *Pending {
	next := Go(func() (*Response, error) {
		return fn(p.Wait())
	})
	next.cancel = p.cancel
	return next
}

// WithCancel returns a handle sharing the result of p that cancels through cancel.
func (p *Pending) WithCancel(cancel func()) *Pending {
	return &Pending{o: p.o, cancel: cancel}
}
