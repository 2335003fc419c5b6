package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// TasksCollection is the document collection holding tasks.
const TasksCollection = "tasks"

type Category string

const (
	CategoryWork     Category = "work"
	CategoryPersonal Category = "personal"
	CategoryShopping Category = "shopping"
	CategoryHealth   Category = "health"
	CategoryOther    Category = "other"
)

// ParseCategory normalises c, mapping the empty string to CategoryOther.
func ParseCategory(c string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(c))) {
	case "":
		return CategoryOther, true
	case CategoryWork:
		return CategoryWork, true
	case CategoryPersonal:
		return CategoryPersonal, true
	case CategoryShopping:
		return CategoryShopping, true
	case CategoryHealth:
		return CategoryHealth, true
	case CategoryOther:
		return CategoryOther, true
	}
	return "", false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalises p, mapping the empty string to PriorityMedium.
func ParsePriority(p string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case "":
		return PriorityMedium, true
	case PriorityLow:
		return PriorityLow, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityHigh:
		return PriorityHigh, true
	}
	return "", false
}

// Rank orders priorities for display. Unknown or missing values rank as low.
func (p Priority) Rank() int {
	switch Priority(strings.ToLower(string(p))) {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// UnmarshalJSON keeps records written by other clients readable: a
// priority that is not a JSON string decodes as empty and ranks as low.
func (p *Priority) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		*p = ""
		return nil
	}
	*p = Priority(s)
	return nil
}

// Task is a shared to-do item. CreatedAt and UpdatedAt are assigned by the store.
type Task struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	OwnerName     string    `json:"ownerName,omitempty"`
	OwnerPhotoURL string    `json:"ownerPhotoURL,omitempty"`
	AssignedTo    []string  `json:"assignedTo"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Category      Category  `json:"category"`
	Priority      Priority  `json:"priority"`
	Tags          []string  `json:"tags"`
	DueDate       *Date     `json:"dueDate,omitempty"`
	Completed     bool      `json:"completed"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsAssigned reports whether actorID is one of the task's assignees.
func (t Task) IsAssigned(actorID string) bool {
	return slices.Contains(t.AssignedTo, actorID)
}

// VisibleTo reports whether actorID owns the task or is assigned to it.
func (t Task) VisibleTo(actorID string) bool {
	if actorID == "" {
		return false
	}
	return t.OwnerID == actorID || t.IsAssigned(actorID)
}

// Due returns the due date when one is set.
func (t Task) Due() (Date, bool) {
	if t.DueDate == nil || t.DueDate.IsZero() {
		return Date{}, false
	}
	return *t.DueDate, true
}

// Validate checks the fields every stored task must carry.
func (t Task) Validate() error {
	switch {
	case t.ID == "":
		return &MalformedRecordError{Collection: TasksCollection, Reason: "missing id"}
	case t.OwnerID == "":
		return &MalformedRecordError{Collection: TasksCollection, ID: t.ID, Reason: "missing ownerId"}
	case strings.TrimSpace(t.Title) == "":
		return &MalformedRecordError{Collection: TasksCollection, ID: t.ID, Reason: "missing title"}
	}
	return nil
}
