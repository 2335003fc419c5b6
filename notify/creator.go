package notify

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// Store is the part of the change feed notifications are written to.
type Store interface {
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
}

// Creator writes task_assigned notifications, at most one per assignment
// of a recipient to a task.
type Creator struct {
	store   Store
	deduper Deduper
	log     *log.Logger
}

// NewCreator builds a creator. A nil deduper disables de-duplication.
func NewCreator(store Store, deduper Deduper, logger *log.Logger) *Creator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Creator{store: store, deduper: deduper, log: logger}
}

func assignScope(taskID string) string { return "assign:" + taskID }

// NotifyAssigned creates a notification for every user in userIDs except
// the actor. Failures for one user do not stop the others; they are joined
// in the result.
func (c *Creator) NotifyAssigned(ctx context.Context, actor domain.Actor, task domain.Task, userIDs []string) error {
	var recipients []string
	for _, uid := range userIDs {
		if uid != "" && uid != actor.ID {
			recipients = append(recipients, uid)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	scope := assignScope(task.ID)
	if c.deduper != nil {
		added, err := c.deduper.AddMany(ctx, scope, recipients)
		if err != nil {
			c.rollback(ctx, scope, recipients, added)
			return err
		}
		fresh := recipients[:0:0]
		for i, uid := range recipients {
			if added[i] {
				fresh = append(fresh, uid)
			} else {
				c.log.WithFields(log.Fields{"user": uid, "task": task.ID}).Debug("assignment already notified")
			}
		}
		recipients = fresh
	}

	owner := actor.DisplayName
	if owner == "" {
		owner = "Someone"
	}
	var errs []error
	for _, uid := range recipients {
		_, err := c.store.Add(ctx, domain.NotificationsCollection, map[string]any{
			"userId":  uid,
			"taskId":  task.ID,
			"type":    domain.NotificationTaskAssigned,
			"title":   fmt.Sprintf("New task assigned: %s", task.Title),
			"message": fmt.Sprintf("%s assigned you a task", owner),
			"read":    false,
		})
		if err != nil {
			c.rollback(ctx, scope, []string{uid}, []bool{true})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unassigned ends the current assignment of userIDs to taskID so that
// assigning them again creates a new notification.
func (c *Creator) Unassigned(ctx context.Context, taskID string, userIDs []string) error {
	if c.deduper == nil {
		return nil
	}
	scope := assignScope(taskID)
	var errs []error
	for _, uid := range userIDs {
		if err := c.deduper.Remove(ctx, scope, uid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Creator) rollback(ctx context.Context, scope string, keys []string, added []bool) {
	if c.deduper == nil {
		return
	}
	for i, key := range keys {
		if i >= len(added) || !added[i] {
			continue
		}
		if err := c.deduper.Remove(ctx, scope, key); err != nil {
			c.log.WithFields(log.Fields{"scope": scope, "key": key}).WithError(err).Error("unable to roll back dedupe key")
		}
	}
}
