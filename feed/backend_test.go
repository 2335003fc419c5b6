package feed

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskhub/domain"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	return rc
}

func backends(t *testing.T) map[string]Backend {
	sq, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackend(newRedisClient(t)),
		"sqlite": sq,
	}
}

func TestBackends(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := Document{ID: "t1", Fields: map[string]any{"title": "a", "tags": []any{"x"}}}
			if err := b.Put(ctx, "tasks", doc); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := b.Get(ctx, "tasks", "t1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Fields["title"] != "a" {
				t.Fatalf("unexpected fields %v", got.Fields)
			}

			err = b.Update(ctx, "tasks", "t1", func(f map[string]any) error {
				f["title"] = "b"
				return nil
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			docs, err := b.List(ctx, "tasks")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(docs) != 1 || docs[0].Fields["title"] != "b" {
				t.Fatalf("unexpected docs %v", docs)
			}
			if other, _ := b.List(ctx, "notifications"); len(other) != 0 {
				t.Fatalf("collections leaked: %v", other)
			}

			err = b.Update(ctx, "tasks", "missing", func(map[string]any) error { return nil })
			if !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := b.Remove(ctx, "tasks", "t1"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := b.Get(ctx, "tasks", "t1"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected ErrNotFound after remove, got %v", err)
			}
			if err := b.Remove(ctx, "tasks", "t1"); err != nil {
				t.Fatalf("second remove: %v", err)
			}
		})
	}
}

func TestBackendUpdateMutateError(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.Put(ctx, "tasks", Document{ID: "t1", Fields: map[string]any{"title": "a"}}); err != nil {
				t.Fatalf("put: %v", err)
			}
			boom := errors.New("boom")
			err := b.Update(ctx, "tasks", "t1", func(f map[string]any) error {
				f["title"] = "changed"
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			got, _ := b.Get(ctx, "tasks", "t1")
			if got.Fields["title"] != "a" {
				t.Fatalf("failed update was applied: %v", got.Fields)
			}
		})
	}
}

func TestRedisNotifierSignals(t *testing.T) {
	rc := newRedisClient(t)
	n := NewRedisNotifier(rc)
	ctx := context.Background()
	signals, stop, err := n.Listen(ctx, "tasks")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer stop()
	if err := n.Publish(ctx, "tasks", "t1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitSignal(t, signals)

	stop()
	stop()
	for range signals {
	}
}

func TestHubCoalescesSignals(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	signals, stop, _ := h.Listen(ctx, "tasks")
	defer stop()
	for i := 0; i < 5; i++ {
		h.Publish(ctx, "tasks", "x")
	}
	h.Publish(ctx, "users", "x")
	waitSignal(t, signals)
	select {
	case <-signals:
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestTablesEntityCodec(t *testing.T) {
	raw, err := encodeEntity("tasks", Document{ID: "t1", Fields: map[string]any{"title": "a", "completed": true}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	doc, err := decodeEntity(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID != "t1" || doc.Fields["title"] != "a" || doc.Fields["completed"] != true {
		t.Fatalf("unexpected document %+v", doc)
	}
}
