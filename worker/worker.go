// Package worker holds the asynchronous state shared by transfer and unpack
// workers: a terminal finished flag, the terminal error, live byte counters
// and an idempotent cancel.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCanceled is reported by a worker that was cancelled before it finished.
var ErrCanceled = errors.New("worker canceled")

// State is embedded by workers. The zero value is ready to use.
type State struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
	started  bool
	err      error

	finished atomic.Bool
	done     atomic.Int64
	total    atomic.Int64
}

// Go runs fn in a new goroutine under a context derived from ctx. The worker
// is marked finished when fn returns, with fn's error as the terminal error.
// A State that was cancelled before Go finishes immediately with ErrCanceled.
func (s *State) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("worker already started")
	}
	s.started = true
	if s.canceled {
		s.err = ErrCanceled
		s.mu.Unlock()
		s.finished.Store(true)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		err := fn(ctx)
		s.mu.Lock()
		if err != nil && s.canceled {
			err = ErrCanceled
		}
		s.err = err
		s.mu.Unlock()
		s.finished.Store(true)
	}()
	return nil
}

// Finish marks the worker finished synchronously.
func (s *State) Finish(err error) {
	s.mu.Lock()
	s.started = true
	s.err = err
	s.mu.Unlock()
	s.finished.Store(true)
}

func (s *State) Finished() bool {
	return s.finished.Load()
}

func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the worker. It may be called any number of times, before or
// after the worker starts.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Canceled reports whether Cancel was called.
func (s *State) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *State) SetTotal(n int64) { s.total.Store(n) }

func (s *State) SetDone(n int64) { s.done.Store(n) }

func (s *State) AddDone(n int64) { s.done.Add(n) }

// Progress returns bytes done and bytes total.
func (s *State) Progress() (done, total int64) {
	return s.done.Load(), s.total.Load()
}
