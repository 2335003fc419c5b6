// Package activity keeps a per-actor feed of what they did to tasks.
package activity

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/realtime"
	"taskhub/stream"
)

// DefaultLimit bounds a feed subscription when the caller passes none.
const DefaultLimit = 50

type Store interface {
	Push(ctx context.Context, path string, value any) (string, error)
	Children(ctx context.Context, path string, limit int) (*stream.Stream[[]realtime.Child], error)
}

type Log struct {
	store Store
	log   *log.Logger
	now   func() time.Time
}

func NewLog(store Store, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Log{store: store, log: logger, now: time.Now}
}

func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record appends entry to the feed of userID, stamping it with the current
// time. The id is assigned by the store.
func (l *Log) Record(ctx context.Context, userID string, entry domain.ActivityEntry) error {
	if userID == "" {
		return errors.New("activity: missing user")
	}
	entry.ID = ""
	entry.Timestamp = l.now().UTC()
	if _, err := l.store.Push(ctx, domain.ActivityPath(userID), entry); err != nil {
		return domain.NewStoreError("record activity", err)
	}
	return nil
}

// Subscribe pushes the newest limit entries of userID's feed, newest
// first, and again whenever an entry is added.
func (l *Log) Subscribe(ctx context.Context, userID string, limit int) (*stream.Stream[[]domain.ActivityEntry], error) {
	if userID == "" {
		return nil, &domain.SubscriptionSetupError{Target: "activities", Err: errors.New("missing user")}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	children, err := l.store.Children(ctx, domain.ActivityPath(userID), limit)
	if err != nil {
		return nil, &domain.SubscriptionSetupError{Target: domain.ActivityPath(userID), Err: err}
	}
	return stream.Start(ctx, func(ctx context.Context, emit func([]domain.ActivityEntry) bool) error {
		defer children.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case list, ok := <-children.C():
				if !ok {
					return domain.NewStoreError("activity feed", children.Err())
				}
				if !emit(l.decode(userID, list)) {
					return nil
				}
			}
		}
	}), nil
}

func (l *Log) decode(userID string, list []realtime.Child) []domain.ActivityEntry {
	entries := make([]domain.ActivityEntry, 0, len(list))
	for _, c := range list {
		var e domain.ActivityEntry
		if err := c.Decode(&e); err != nil || e.Type == "" {
			l.log.WithFields(log.Fields{"user": userID, "entry": c.Key}).Warn("skipping malformed activity entry")
			continue
		}
		e.ID = c.Key
		entries = append(entries, e)
	}
	return entries
}
