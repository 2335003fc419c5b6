package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskhub/domain"
	"taskhub/realtime"
	"taskhub/stream"
)

func next(t *testing.T, s *stream.Stream[[]domain.ActivityEntry]) []domain.ActivityEntry {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatalf("stream ended: %v", s.Err())
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for feed")
	}
	return nil
}

func TestRecordAndSubscribeNewestFirst(t *testing.T) {
	store := realtime.NewMemory()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	l := NewLog(store, nil).WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	ctx := context.Background()

	for _, title := range []string{"one", "two", "three"} {
		if err := l.Record(ctx, "alice", domain.ActivityEntry{Type: domain.ActivityTaskCreated, TaskID: title, Title: title}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	sub, err := l.Subscribe(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	got := next(t, sub)
	if len(got) != 2 || got[0].Title != "three" || got[1].Title != "two" {
		t.Fatalf("unexpected feed %+v", got)
	}
	if got[0].ID == "" || !got[0].Timestamp.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("entry not stamped: %+v", got[0])
	}

	l.Record(ctx, "alice", domain.ActivityEntry{Type: domain.ActivityTaskDeleted, TaskID: "one", Title: "one"})
	got = next(t, sub)
	if len(got) != 2 || got[0].Type != domain.ActivityTaskDeleted || got[1].Title != "three" {
		t.Fatalf("unexpected feed after append %+v", got)
	}
}

func TestFeedsAreSeparatedByUser(t *testing.T) {
	store := realtime.NewMemory()
	l := NewLog(store, nil)
	ctx := context.Background()
	l.Record(ctx, "alice", domain.ActivityEntry{Type: domain.ActivityTaskCreated, Title: "a"})

	sub, _ := l.Subscribe(ctx, "bob", 0)
	defer sub.Close()
	if got := next(t, sub); len(got) != 0 {
		t.Fatalf("expected empty feed for bob, got %+v", got)
	}
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	store := realtime.NewMemory()
	logger, hook := test.NewNullLogger()
	l := NewLog(store, logger)
	ctx := context.Background()
	store.Push(ctx, domain.ActivityPath("alice"), map[string]any{"title": "no type"})
	l.Record(ctx, "alice", domain.ActivityEntry{Type: domain.ActivityTaskCompleted, Title: "done"})

	sub, _ := l.Subscribe(ctx, "alice", 10)
	defer sub.Close()
	got := next(t, sub)
	if len(got) != 1 || got[0].Title != "done" {
		t.Fatalf("unexpected feed %+v", got)
	}
	if e := hook.LastEntry(); e == nil || e.Level != log.WarnLevel {
		t.Fatal("expected a warning for the malformed entry")
	}
}

func TestRecordRequiresUser(t *testing.T) {
	l := NewLog(realtime.NewMemory(), nil)
	if err := l.Record(context.Background(), "", domain.ActivityEntry{Type: domain.ActivityTaskCreated}); err == nil {
		t.Fatal("expected error for missing user")
	}
	var setup *domain.SubscriptionSetupError
	if _, err := l.Subscribe(context.Background(), "", 5); !errors.As(err, &setup) {
		t.Fatalf("expected setup error, got %v", err)
	}
}

type failingStore struct{ realtime.Store }

func (failingStore) Push(context.Context, string, any) (string, error) {
	return "", errors.New("permission denied")
}

func TestRecordWrapsStoreErrors(t *testing.T) {
	l := NewLog(failingStore{realtime.NewMemory()}, nil)
	var se *domain.StoreError
	if err := l.Record(context.Background(), "alice", domain.ActivityEntry{Type: domain.ActivityTaskCreated}); !errors.As(err, &se) {
		t.Fatalf("expected store error, got %v", err)
	}
}
