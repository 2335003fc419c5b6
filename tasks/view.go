package tasks

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"taskhub/domain"
)

type Filter string

const (
	FilterAll       Filter = "all"
	FilterPersonal  Filter = "personal"
	FilterShared    Filter = "shared"
	FilterCompleted Filter = "completed"
)

// ParseFilter maps the empty string to FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterPersonal, FilterShared, FilterCompleted:
		return f, nil
	}
	return "", fmt.Errorf("unknown task filter %q", s)
}

// ViewItem is a task as rendered for one actor.
type ViewItem struct {
	domain.Task
	Owned   bool `json:"owned"`
	Shared  bool `json:"shared"`
	Overdue bool `json:"overdue"`
}

func (f Filter) keep(t domain.Task, actorID string) bool {
	switch f {
	case FilterPersonal:
		return t.OwnerID == actorID
	case FilterShared:
		return t.IsAssigned(actorID) && t.OwnerID != actorID
	case FilterCompleted:
		return t.Completed
	}
	return true
}

// DeriveView scopes tasks to those visible to actorID, applies filter and
// orders the result: incomplete first, then priority, then due date
// (dated before undated, earlier first), then newest created, then id.
// It does no I/O and does not modify tasks.
func DeriveView(tasks []domain.Task, actorID string, filter Filter, now time.Time) []ViewItem {
	today := domain.DateOf(now)
	items := make([]ViewItem, 0, len(tasks))
	for _, t := range tasks {
		if !t.VisibleTo(actorID) || !filter.keep(t, actorID) {
			continue
		}
		item := ViewItem{
			Task:   t,
			Owned:  t.OwnerID == actorID,
			Shared: t.IsAssigned(actorID) && t.OwnerID != actorID,
		}
		if due, ok := t.Due(); ok && !t.Completed && due.Before(today) {
			item.Overdue = true
		}
		items = append(items, item)
	}
	slices.SortStableFunc(items, func(a, b ViewItem) int {
		return Compare(a.Task, b.Task)
	})
	return items
}

// Compare is the view order of two tasks.
func Compare(a, b domain.Task) int {
	if a.Completed != b.Completed {
		if !a.Completed {
			return -1
		}
		return 1
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra - rb
	}
	da, aok := a.Due()
	db, bok := b.Due()
	switch {
	case aok && !bok:
		return -1
	case !aok && bok:
		return 1
	case aok && bok:
		if c := da.Compare(db); c != 0 {
			return c
		}
	}
	if c := createdKey(b).Compare(createdKey(a)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func createdKey(t domain.Task) time.Time {
	if t.CreatedAt.IsZero() {
		return time.Unix(0, 0)
	}
	return t.CreatedAt
}
