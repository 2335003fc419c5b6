// Package realtime is a key-value store with live watches, append-only
// child lists, a connection health pseudo-key and deferred writes that the
// store commits when the writer's connection is lost.
package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"taskhub/stream"
)

// ConnectedKey reports the health of the store connection as a boolean.
// It is read-only.
const ConnectedKey = ".info/connected"

var (
	ErrInvalidPath = errors.New("invalid realtime path")
	errWatchLost   = errors.New("realtime watch lost")
)

// Value is the JSON value stored at Path. Raw is nil when nothing is stored.
type Value struct {
	Path string
	Raw  []byte
}

func (v Value) Exists() bool { return v.Raw != nil }

func (v Value) Decode(dst any) error {
	if v.Raw == nil {
		return nil
	}
	return sonic.Unmarshal(v.Raw, dst)
}

// Child is one entry of a list created with Push.
type Child struct {
	Key string `json:"key"`
	Raw []byte `json:"value"`
}

func (c Child) Decode(dst any) error {
	return sonic.Unmarshal(c.Raw, dst)
}

// Store is the realtime store contract.
type Store interface {
	// Set writes value at path; a nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Watch pushes the current value at path and every later change.
	// Watching ConnectedKey yields true/false connection transitions.
	Watch(ctx context.Context, path string) (*stream.Stream[Value], error)
	// Push appends value to the list at path under a chronological key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Children pushes the newest limit entries of the list at path, newest
	// first, and again on every append.
	Children(ctx context.Context, path string, limit int) (*stream.Stream[[]Child], error)
	// OnDisconnect registers value to be written at path when the current
	// connection is lost. Registering the same path again replaces the
	// previous registration.
	OnDisconnect(ctx context.Context, path string, value any) (*Deferred, error)
}

// Deferred is a registered disconnect write.
type Deferred struct {
	once   sync.Once
	cancel func(ctx context.Context) error
	err    error
}

func newDeferred(cancel func(ctx context.Context) error) *Deferred {
	return &Deferred{cancel: cancel}
}

// Cancel disarms the write. Only the first call has an effect.
func (d *Deferred) Cancel(ctx context.Context) error {
	d.once.Do(func() { d.err = d.cancel(ctx) })
	return d.err
}

func cleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" || strings.Contains(p, "//") {
		return "", ErrInvalidPath
	}
	return p, nil
}

func encodeValue(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return sonic.Marshal(value)
}

func connectedValue(up bool) Value {
	raw := []byte("false")
	if up {
		raw = []byte("true")
	}
	return Value{Path: ConnectedKey, Raw: raw}
}
