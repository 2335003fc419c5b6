package realtime

import (
	"bytes"
	"context"
	"sync"

	"taskhub/stream"
)

// watcher queues every value handed to it; its pump emits them in order,
// skipping values equal to the last one emitted.
type watcher[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
}

func newWatcher[T any]() *watcher[T] {
	return &watcher[T]{signal: make(chan struct{}, 1)}
}

func (w *watcher[T]) push(v T) {
	w.mu.Lock()
	w.queue = append(w.queue, v)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) drain() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

// pump returns the producer for w. lost, when closed, ends the stream with
// errWatchLost. stop runs when the producer exits.
func (w *watcher[T]) pump(equal func(a, b T) bool, lost <-chan struct{}, stop func()) stream.Producer[T] {
	return func(ctx context.Context, emit func(T) bool) error {
		defer stop()
		var last T
		emitted := false
		flush := func() bool {
			for _, v := range w.drain() {
				if emitted && equal(last, v) {
					continue
				}
				if !emit(v) {
					return false
				}
				last, emitted = v, true
			}
			return true
		}
		for {
			if !flush() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-w.signal:
			case <-lost:
				flush()
				return errWatchLost
			}
		}
	}
}

func sameValue(a, b Value) bool { return bytes.Equal(a.Raw, b.Raw) && (a.Raw == nil) == (b.Raw == nil) }

func sameChildren(a, b []Child) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !bytes.Equal(a[i].Raw, b[i].Raw) {
			return false
		}
	}
	return true
}

func newestFirst(children []Child, limit int) []Child {
	start := 0
	if limit > 0 && len(children) > limit {
		start = len(children) - limit
	}
	out := make([]Child, 0, len(children)-start)
	for i := len(children) - 1; i >= start; i-- {
		out = append(out, children[i])
	}
	return out
}
