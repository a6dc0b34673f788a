package model

import (
	"context"
	"sync"
)

// Request tracks an operation submitted to the model.
type Request struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan struct{})}
}

func (r *Request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done returns a channel closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome of the request. It returns nil while the request
// is pending.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the request completes or the context is cancelled.
//
// The model must be running, see Model.Run.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
