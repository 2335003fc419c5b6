package feed

import (
	"context"
	"errors"
	"time"

	"taskhub/domain"
	"taskhub/stream"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Backend persists documents. Implementations must return
// domain.ErrNotFound for missing documents.
type Backend interface {
	List(ctx context.Context, collection string) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Put(ctx context.Context, collection string, doc Document) error
	// Update applies mutate to the current fields as one atomic
	// read-modify-write.
	Update(ctx context.Context, collection, id string, mutate func(fields map[string]any) error) error
	Remove(ctx context.Context, collection, id string) error
}

// Notifier fans out "collection changed" signals. Listen returns a
// coalescing signal channel that is closed when the listener is lost.
type Notifier interface {
	Publish(ctx context.Context, collection, id string) error
	Listen(ctx context.Context, collection string) (<-chan struct{}, func(), error)
}

var errListenerLost = errors.New("change listener lost")

// Live is a Store built from a Backend and a Notifier.
type Live struct {
	backend  Backend
	notifier Notifier
	log      *log.Logger

	now   func() time.Time
	newID func() string
}

func NewLive(backend Backend, notifier Notifier, logger *log.Logger) *Live {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Live{
		backend:  backend,
		notifier: notifier,
		log:      logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock replaces the timestamp source.
func (l *Live) WithClock(now func() time.Time) *Live {
	l.now = now
	return l
}

// Subscribe starts a live query. The first snapshot holds every matching
// document as Added; later snapshots carry only non-empty diffs.
func (l *Live) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, &domain.SubscriptionSetupError{Target: q.String(), Err: err}
	}
	signals, stop, err := l.notifier.Listen(ctx, q.Collection)
	if err != nil {
		return nil, &domain.SubscriptionSetupError{Target: q.String(), Err: err}
	}
	initial, err := l.Fetch(ctx, q)
	if err != nil {
		stop()
		return nil, &domain.SubscriptionSetupError{Target: q.String(), Err: err}
	}

	return stream.Start(ctx, func(ctx context.Context, emit func(Snapshot) bool) error {
		defer stop()
		prev := initial
		if !emit(Snapshot{Docs: initial, Changes: allAdded(initial)}) {
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-signals:
				if !ok {
					return domain.NewStoreError("listen "+q.Collection, errListenerLost)
				}
				next, err := l.Fetch(ctx, q)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				changes := Diff(prev, next)
				if len(changes) == 0 {
					continue
				}
				prev = next
				if !emit(Snapshot{Docs: next, Changes: changes}) {
					return nil
				}
			}
		}
	}), nil
}

// Fetch runs q once.
func (l *Live) Fetch(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, domain.NewStoreError("fetch", err)
	}
	docs, err := l.backend.List(ctx, q.Collection)
	if err != nil {
		return nil, domain.NewStoreError("fetch "+q.Collection, err)
	}
	return q.apply(docs), nil
}

func (l *Live) Get(ctx context.Context, collection, id string) (Document, error) {
	doc, err := l.backend.Get(ctx, collection, id)
	if err != nil {
		return Document{}, domain.NewStoreError("get "+collection+"/"+id, err)
	}
	return doc, nil
}

// Add stores a new document under a generated id with createdAt and
// updatedAt set to the server time.
func (l *Live) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := l.newID()
	ts := FormatTimestamp(l.now())
	doc, err := l.prepare(id, fields)
	if err != nil {
		return "", domain.NewStoreError("add "+collection, err)
	}
	doc.Fields["createdAt"] = ts
	doc.Fields["updatedAt"] = ts
	if err := l.backend.Put(ctx, collection, doc); err != nil {
		return "", domain.NewStoreError("add "+collection, err)
	}
	l.publish(ctx, collection, id)
	return id, nil
}

// Set creates or replaces the document id. A createdAt supplied by the
// caller is kept.
func (l *Live) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	ts := FormatTimestamp(l.now())
	doc, err := l.prepare(id, fields)
	if err != nil {
		return domain.NewStoreError("set "+collection+"/"+id, err)
	}
	if _, ok := doc.Fields["createdAt"].(string); !ok {
		doc.Fields["createdAt"] = ts
	}
	doc.Fields["updatedAt"] = ts
	if err := l.backend.Put(ctx, collection, doc); err != nil {
		return domain.NewStoreError("set "+collection+"/"+id, err)
	}
	l.publish(ctx, collection, id)
	return nil
}

// Update merges fields into an existing document and refreshes updatedAt.
// updatedAt never precedes createdAt.
func (l *Live) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := normalizeFields(stripReserved(fields))
	if err != nil {
		return domain.NewStoreError("update "+collection+"/"+id, err)
	}
	ts := FormatTimestamp(l.now())
	err = l.backend.Update(ctx, collection, id, func(cur map[string]any) error {
		for k, v := range patch {
			cur[k] = v
		}
		updated := ts
		if created, ok := cur["createdAt"].(string); ok && created > updated {
			updated = created
		}
		cur["updatedAt"] = updated
		return nil
	})
	if err != nil {
		return domain.NewStoreError("update "+collection+"/"+id, err)
	}
	l.publish(ctx, collection, id)
	return nil
}

func (l *Live) Delete(ctx context.Context, collection, id string) error {
	if err := l.backend.Remove(ctx, collection, id); err != nil {
		return domain.NewStoreError("delete "+collection+"/"+id, err)
	}
	l.publish(ctx, collection, id)
	return nil
}

func (l *Live) prepare(id string, fields map[string]any) (Document, error) {
	normalized, err := normalizeFields(stripReserved(fields))
	if err != nil {
		return Document{}, err
	}
	if created, ok := fields["createdAt"].(string); ok {
		normalized["createdAt"] = created
	}
	return Document{ID: id, Fields: normalized}, nil
}

func (l *Live) publish(ctx context.Context, collection, id string) {
	if err := l.notifier.Publish(ctx, collection, id); err != nil {
		l.log.WithFields(log.Fields{"collection": collection, "id": id}).WithError(err).Error("unable to publish change")
	}
}

func stripReserved(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "id", "createdAt", "updatedAt":
			continue
		}
		out[k] = v
	}
	return out
}
