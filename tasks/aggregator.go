// Package tasks holds the task aggregator, the pure view derivation and the
// command service that mutates tasks.
package tasks

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/feed"
	"taskhub/stream"
)

// Feed is the part of the change feed the aggregator subscribes to.
type Feed interface {
	Subscribe(ctx context.Context, q feed.Query) (*feed.Subscription, error)
}

// Aggregator turns the task change feed into the list of tasks visible to
// one actor.
type Aggregator struct {
	feed Feed
	log  *log.Logger
}

func NewAggregator(f Feed, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Aggregator{feed: f, log: logger}
}

// Query is the subscription behind every aggregator: the whole task
// collection, newest first.
func Query() feed.Query {
	return feed.Query{Collection: domain.TasksCollection, OrderBy: "createdAt", Descending: true}
}

// Subscribe pushes the visible tasks of actorID on every feed push, in
// feed order. Malformed records are skipped.
func (a *Aggregator) Subscribe(ctx context.Context, actorID string) (*stream.Stream[[]domain.Task], error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, &domain.SubscriptionSetupError{Target: domain.TasksCollection, Err: errors.New("missing actor")}
	}
	sub, err := a.feed.Subscribe(ctx, Query())
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, func(ctx context.Context, emit func([]domain.Task) bool) error {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-sub.C():
				if !ok {
					return sub.Err()
				}
				if !emit(a.visible(snap.Docs, actorID)) {
					return nil
				}
			}
		}
	}), nil
}

func (a *Aggregator) visible(docs []feed.Document, actorID string) []domain.Task {
	out := make([]domain.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := DecodeTask(doc)
		if err != nil {
			a.log.WithField("task", doc.ID).WithError(err).Warn("skipping malformed task")
			continue
		}
		if t.VisibleTo(actorID) {
			out = append(out, t)
		}
	}
	return out
}

// DecodeTask decodes and validates a task document.
func DecodeTask(doc feed.Document) (domain.Task, error) {
	var t domain.Task
	if err := feed.Decode(doc, &t); err != nil {
		return domain.Task{}, &domain.MalformedRecordError{Collection: domain.TasksCollection, ID: doc.ID, Reason: err.Error()}
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	if c, ok := domain.ParseCategory(string(t.Category)); ok {
		t.Category = c
	}
	return t, nil
}
