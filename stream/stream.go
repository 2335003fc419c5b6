// Package stream delivers values from one producer goroutine to one consumer
// and gives the consumer a cancel handle that is safe to call at any time.
package stream

import (
	"context"
	"errors"
	"sync"
)

// Producer runs until ctx is done or it has nothing more to deliver. It hands
// values to emit, which reports false once the stream has been closed.
type Producer[T any] func(ctx context.Context, emit func(T) bool) error

// Stream is a cancellable, ordered sequence of values.
//
// Values are handed over on an unbuffered channel, so a value is either
// received before Close returns or never. After Close returns the channel is
// closed and no producer code runs any more.
type Stream[T any] struct {
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches producer on its own goroutine.
func Start[T any](parent context.Context, producer Producer[T]) *Stream[T] {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream[T]{
		ch:     make(chan T),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(producer)
	return s
}

func (s *Stream[T]) run(producer Producer[T]) {
	defer close(s.done)
	defer close(s.ch)
	err := producer(s.ctx, s.emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	s.cancel()
}

func (s *Stream[T]) emit(v T) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- v:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// C returns the channel values are delivered on. It is closed when the
// stream ends for any reason.
func (s *Stream[T]) C() <-chan T { return s.ch }

// Done is closed once the producer has returned.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream. It is nil while the stream is
// running and after an explicit Close.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for the producer to return. It is
// idempotent and may be called concurrently with delivery.
func (s *Stream[T]) Close() {
	s.cancel()
	<-s.done
}
