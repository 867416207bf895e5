package session

import (
	"context"
)

// Attempt is a handle to an in-flight connect or join. The caller may
// cancel it, block on it, or poll it.
type Attempt struct {
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newAttempt(kind string, cancel context.CancelFunc) *Attempt {
	return &Attempt{kind: kind, cancel: cancel, done: make(chan struct{})}
}

// Kind is "connect" or "join".
func (a *Attempt) Kind() string { return a.kind }

// Cancel aborts the attempt. It does not wait for it to finish.
func (a *Attempt) Cancel() { a.cancel() }

// Done is closed when the attempt has finished and released its resources.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt finishes and returns its result.
func (a *Attempt) Wait() error {
	<-a.done
	return a.err
}

// Err returns the result of a finished attempt, or nil while it is running.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *Attempt) finish(err error) {
	a.err = err
	a.cancel()
	close(a.done)
}
