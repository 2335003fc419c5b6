// Package users lists the profiles tasks can be assigned to.
package users

import (
	"context"
	"errors"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/feed"
)

type Store interface {
	Fetch(ctx context.Context, q feed.Query) ([]feed.Document, error)
	Get(ctx context.Context, collection, id string) (feed.Document, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
}

type Directory struct {
	store Store
	log   *log.Logger
}

func NewDirectory(store Store, logger *log.Logger) *Directory {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Directory{store: store, log: logger}
}

// Active returns every user not explicitly deactivated, ordered by display
// name.
func (d *Directory) Active(ctx context.Context) ([]domain.User, error) {
	docs, err := d.store.Fetch(ctx, feed.Query{Collection: domain.UsersCollection})
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		var u domain.User
		if err := feed.Decode(doc, &u); err != nil {
			d.log.WithField("user", doc.ID).WithError(err).Warn("skipping malformed user")
			continue
		}
		if u.Active() {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ensure creates the actor's profile on first sight and keeps its name and
// photo current afterwards. The active flag is left to whoever owns it.
func (d *Directory) Ensure(ctx context.Context, actor domain.Actor) error {
	if actor.ID == "" {
		return errors.New("users: missing actor")
	}
	doc, err := d.store.Get(ctx, domain.UsersCollection, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		d.log.WithField("user", actor.ID).Info("registering user profile")
		return d.store.Set(ctx, domain.UsersCollection, actor.ID, map[string]any{
			"displayName": actor.DisplayName,
			"photoURL":    actor.PhotoURL,
			"isActive":    true,
		})
	}
	if err != nil {
		return err
	}
	var u domain.User
	if err := feed.Decode(doc, &u); err == nil && u.DisplayName == actor.DisplayName && u.PhotoURL == actor.PhotoURL {
		return nil
	}
	return d.store.Update(ctx, domain.UsersCollection, actor.ID, map[string]any{
		"displayName": actor.DisplayName,
		"photoURL":    actor.PhotoURL,
	})
}
