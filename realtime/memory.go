package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskhub/stream"
)

func newPushKey(t time.Time) string {
	return fmt.Sprintf("%019d-%s", t.UnixNano(), uuid.NewString()[:8])
}

type armed struct {
	token uint64
	raw   []byte
}

// Memory is an in-process Store. The connection starts up; SetConnected
// simulates connection flaps and commits deferred writes on loss.
type Memory struct {
	mu        sync.Mutex
	values    map[string][]byte
	lists     map[string][]Child
	connected bool
	deferred  map[string]armed
	token     uint64
	watchers  map[string]map[*watcher[Value]]struct{}
	children  map[string]map[*watcher[[]Child]]struct{}
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values:    map[string][]byte{},
		lists:     map[string][]Child{},
		connected: true,
		deferred:  map[string]armed{},
		watchers:  map[string]map[*watcher[Value]]struct{}{},
		children:  map[string]map[*watcher[[]Child]]struct{}{},
		now:       time.Now,
	}
}

// SetConnected changes the connection state. Going down commits every
// armed deferred write before watchers see the transition.
func (m *Memory) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == up {
		return
	}
	if !up {
		for path, a := range m.deferred {
			m.write(path, a.raw)
		}
		m.deferred = map[string]armed{}
	}
	m.connected = up
	for w := range m.watchers[ConnectedKey] {
		w.push(connectedValue(up))
	}
}

// Armed reports whether a deferred write is registered for path.
func (m *Memory) Armed(path string) bool {
	p, err := cleanPath(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deferred[p]
	return ok
}

func (m *Memory) write(path string, raw []byte) {
	if raw == nil {
		delete(m.values, path)
	} else {
		m.values[path] = raw
	}
	for w := range m.watchers[path] {
		w.push(Value{Path: path, Raw: raw})
	}
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.write(p, raw)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Watch(ctx context.Context, path string) (*stream.Stream[Value], error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	w := newWatcher[Value]()
	m.mu.Lock()
	if p == ConnectedKey {
		w.push(connectedValue(m.connected))
	} else {
		w.push(Value{Path: p, Raw: m.values[p]})
	}
	if m.watchers[p] == nil {
		m.watchers[p] = map[*watcher[Value]]struct{}{}
	}
	m.watchers[p][w] = struct{}{}
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		delete(m.watchers[p], w)
		m.mu.Unlock()
	}
	return stream.Start(ctx, w.pump(sameValue, nil, stop)), nil
}

func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return "", ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := newPushKey(m.now())
	m.lists[p] = append(m.lists[p], Child{Key: key, Raw: raw})
	for w := range m.children[p] {
		w.push(m.lists[p])
	}
	return key, nil
}

func (m *Memory) Children(ctx context.Context, path string, limit int) (*stream.Stream[[]Child], error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	all := newWatcher[[]Child]()
	m.mu.Lock()
	all.push(m.lists[p])
	if m.children[p] == nil {
		m.children[p] = map[*watcher[[]Child]]struct{}{}
	}
	m.children[p][all] = struct{}{}
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		delete(m.children[p], all)
		m.mu.Unlock()
	}
	return stream.Start(ctx, func(ctx context.Context, emit func([]Child) bool) error {
		return all.pump(sameChildren, nil, stop)(ctx, func(list []Child) bool {
			return emit(newestFirst(list, limit))
		})
	}), nil
}

func (m *Memory) OnDisconnect(_ context.Context, path string, value any) (*Deferred, error) {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return nil, ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.token++
	token := m.token
	m.deferred[p] = armed{token: token, raw: raw}
	m.mu.Unlock()

	return newDeferred(func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if a, ok := m.deferred[p]; ok && a.token == token {
			delete(m.deferred, p)
		}
		return nil
	}), nil
}
