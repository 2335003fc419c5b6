package feed

import (
	"context"
	"sync"

	"taskhub/domain"
)

// MemoryBackend keeps encoded documents in process.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]map[string][]byte{}}
}

func (m *MemoryBackend) List(_ context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0, len(m.docs[collection]))
	for id, data := range m.docs[collection] {
		fields, err := decodeFields(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return docs, nil
}

func (m *MemoryBackend) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	data, ok := m.docs[collection][id]
	m.mu.RUnlock()
	if !ok {
		return Document{}, domain.ErrNotFound
	}
	fields, err := decodeFields(data)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

func (m *MemoryBackend) Put(_ context.Context, collection string, doc Document) error {
	data, err := encodeFields(doc.Fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = map[string][]byte{}
	}
	m.docs[collection][doc.ID] = data
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, collection, id string, mutate func(map[string]any) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[collection][id]
	if !ok {
		return domain.ErrNotFound
	}
	fields, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := mutate(fields); err != nil {
		return err
	}
	data, err = encodeFields(fields)
	if err != nil {
		return err
	}
	m.docs[collection][id] = data
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.docs[collection], id)
	m.mu.Unlock()
	return nil
}

// Hub is an in-process Notifier. Each listener holds a single pending
// signal; bursts of changes coalesce into one refetch.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan struct{}]struct{}{}}
}

func (h *Hub) Listen(_ context.Context, collection string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[collection] == nil {
		h.subs[collection] = map[chan struct{}]struct{}{}
	}
	h.subs[collection][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[collection], ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, stop, nil
}

func (h *Hub) Publish(_ context.Context, collection, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// NewMemory returns a Live store backed entirely by process memory.
func NewMemory() *Live {
	return NewLive(NewMemoryBackend(), NewHub(), nil)
}
