// Package notify routes newly arriving notifications to their recipient,
// creates assignment notifications and hands alerts to the push transport.
package notify

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/feed"
	"taskhub/stream"
)

// Feed is the part of the change feed the router subscribes to.
type Feed interface {
	Subscribe(ctx context.Context, q feed.Query) (*feed.Subscription, error)
}

// Query selects the unread notifications of actorID.
func Query(actorID string) feed.Query {
	return feed.Query{
		Collection: domain.NotificationsCollection,
		Where:      []feed.Filter{feed.Where("userId", actorID), feed.Where("read", false)},
	}
}

// delivery is the state of one router subscription.
type delivery struct {
	hasSeenFirstPush bool
	seen             map[string]struct{}
}

func newDelivery() *delivery {
	return &delivery{seen: map[string]struct{}{}}
}

// accept returns the documents of snap to deliver. The first push is the
// backlog: it is recorded but never delivered. Afterwards only added
// documents not delivered before are returned, in feed order.
func (d *delivery) accept(snap feed.Snapshot) []feed.Document {
	if !d.hasSeenFirstPush {
		d.hasSeenFirstPush = true
		for _, doc := range snap.Docs {
			d.seen[doc.ID] = struct{}{}
		}
		return nil
	}
	var out []feed.Document
	for _, c := range snap.Changes {
		if c.Type != feed.Added {
			continue
		}
		if _, ok := d.seen[c.Doc.ID]; ok {
			continue
		}
		d.seen[c.Doc.ID] = struct{}{}
		out = append(out, c.Doc)
	}
	return out
}

// Router delivers each new notification once and attempts one alert per
// delivery.
type Router struct {
	feed    Feed
	alerter Alerter
	log     *log.Logger
}

// NewRouter builds a router. A nil alerter disables alerts.
func NewRouter(f Feed, alerter Alerter, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Router{feed: f, alerter: alerter, log: logger}
}

// Subscribe streams notifications addressed to actorID that arrive after
// the subscription started.
func (r *Router) Subscribe(ctx context.Context, actorID string) (*stream.Stream[domain.Notification], error) {
	if actorID == "" {
		return nil, &domain.SubscriptionSetupError{Target: domain.NotificationsCollection, Err: errors.New("missing actor")}
	}
	sub, err := r.feed.Subscribe(ctx, Query(actorID))
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, func(ctx context.Context, emit func(domain.Notification) bool) error {
		defer sub.Close()
		d := newDelivery()
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-sub.C():
				if !ok {
					return sub.Err()
				}
				for _, doc := range d.accept(snap) {
					n, err := decodeNotification(doc)
					if err != nil {
						r.log.WithField("notification", doc.ID).WithError(err).Warn("skipping malformed notification")
						continue
					}
					if !emit(n) {
						return nil
					}
					if ctx.Err() != nil {
						return nil
					}
					r.alert(ctx, n)
				}
			}
		}
	}), nil
}

func (r *Router) alert(ctx context.Context, n domain.Notification) {
	if r.alerter == nil {
		return
	}
	err := r.alerter.Alert(ctx, n.UserID, AlertFor(n))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlertPermission):
		r.log.WithField("user", n.UserID).Debug("alert skipped, permission not granted")
	case ctx.Err() != nil:
	default:
		r.log.WithFields(log.Fields{"user": n.UserID, "notification": n.ID}).WithError(err).Error("unable to deliver alert")
	}
}

func decodeNotification(doc feed.Document) (domain.Notification, error) {
	var n domain.Notification
	if err := feed.Decode(doc, &n); err != nil {
		return domain.Notification{}, &domain.MalformedRecordError{Collection: domain.NotificationsCollection, ID: doc.ID, Reason: err.Error()}
	}
	if err := n.Validate(); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}
