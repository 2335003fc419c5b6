package tasks

import (
	"context"
	"fmt"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/feed"
)

// Store is the part of the change feed the command service writes through.
type Store interface {
	Get(ctx context.Context, collection, id string) (feed.Document, error)
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

// AssignmentNotifier tells users they were assigned to a task. Unassigned
// forgets earlier assignments so a later re-assignment notifies again.
type AssignmentNotifier interface {
	NotifyAssigned(ctx context.Context, actor domain.Actor, task domain.Task, userIDs []string) error
	Unassigned(ctx context.Context, taskID string, userIDs []string) error
}

// ActivityRecorder appends to an actor's activity feed.
type ActivityRecorder interface {
	Record(ctx context.Context, userID string, entry domain.ActivityEntry) error
}

// TaskInput is the payload of a new task.
type TaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    string   `json:"priority"`
	Tags        []string `json:"tags"`
	DueDate     string   `json:"dueDate"`
	AssignedTo  []string `json:"assignedTo"`
}

// TaskPatch is a partial edit. Nil fields are left unchanged; an empty
// DueDate clears the due date.
type TaskPatch struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Category    *string   `json:"category"`
	Priority    *string   `json:"priority"`
	Tags        *[]string `json:"tags"`
	DueDate     *string   `json:"dueDate"`
	AssignedTo  *[]string `json:"assignedTo"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidTask, fmt.Sprintf(format, args...))
}

func cleanTitle(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", invalid("title is required")
	}
	return t, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func parseDue(s string) (*domain.Date, error) {
	d, err := domain.ParseDate(s)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if d.IsZero() {
		return nil, nil
	}
	return &d, nil
}

func (in TaskInput) fields() (map[string]any, error) {
	title, err := cleanTitle(in.Title)
	if err != nil {
		return nil, err
	}
	category, ok := domain.ParseCategory(in.Category)
	if !ok {
		return nil, invalid("unknown category %q", in.Category)
	}
	priority, ok := domain.ParsePriority(in.Priority)
	if !ok {
		return nil, invalid("unknown priority %q", in.Priority)
	}
	due, err := parseDue(in.DueDate)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"title":       title,
		"description": strings.TrimSpace(in.Description),
		"category":    category,
		"priority":    priority,
		"tags":        cleanList(in.Tags),
		"dueDate":     due,
		"assignedTo":  cleanList(in.AssignedTo),
		"completed":   false,
	}, nil
}

func (p TaskPatch) fields() (map[string]any, error) {
	out := map[string]any{}
	if p.Title != nil {
		title, err := cleanTitle(*p.Title)
		if err != nil {
			return nil, err
		}
		out["title"] = title
	}
	if p.Description != nil {
		out["description"] = strings.TrimSpace(*p.Description)
	}
	if p.Category != nil {
		c, ok := domain.ParseCategory(*p.Category)
		if !ok {
			return nil, invalid("unknown category %q", *p.Category)
		}
		out["category"] = c
	}
	if p.Priority != nil {
		pr, ok := domain.ParsePriority(*p.Priority)
		if !ok {
			return nil, invalid("unknown priority %q", *p.Priority)
		}
		out["priority"] = pr
	}
	if p.Tags != nil {
		out["tags"] = cleanList(*p.Tags)
	}
	if p.DueDate != nil {
		due, err := parseDue(*p.DueDate)
		if err != nil {
			return nil, err
		}
		out["dueDate"] = due
	}
	if p.AssignedTo != nil {
		out["assignedTo"] = cleanList(*p.AssignedTo)
	}
	return out, nil
}

// Service performs task mutations on behalf of an actor. Only the owner
// may edit or delete a task; the owner and assignees may change its
// completion.
type Service struct {
	store    Store
	notifier AssignmentNotifier
	activity ActivityRecorder
	log      *log.Logger
}

// NewService wires the command service. notifier and activity are optional.
func NewService(store Store, notifier AssignmentNotifier, activity ActivityRecorder, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{store: store, notifier: notifier, activity: activity, log: logger}
}

// Create stores a new task owned by actor and returns its id.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in TaskInput) (id string, err error) {
	m, ctx := startCommand(ctx, s.log, "create", actor.ID)
	defer func() { m.End(err) }()

	if actor.ID == "" {
		m.SetErrorStage("auth")
		return "", domain.ErrForbidden
	}
	fields, err := in.fields()
	if err != nil {
		m.SetErrorStage("validate")
		return "", err
	}
	fields["ownerId"] = actor.ID
	fields["ownerName"] = actor.DisplayName
	fields["ownerPhotoURL"] = actor.PhotoURL

	id, err = s.store.Add(ctx, domain.TasksCollection, fields)
	if err != nil {
		m.SetErrorStage("store")
		return "", err
	}
	m.SetTask(id)

	task := domain.Task{ID: id, OwnerID: actor.ID, Title: fields["title"].(string), AssignedTo: fields["assignedTo"].([]string)}
	s.notifyAssigned(ctx, actor, task, task.AssignedTo)
	s.record(ctx, actor.ID, domain.ActivityTaskCreated, task)
	return id, nil
}

// Update applies patch to a task the actor owns.
func (s *Service) Update(ctx context.Context, actor domain.Actor, id string, patch TaskPatch) (err error) {
	m, ctx := startCommand(ctx, s.log, "update", actor.ID)
	m.SetTask(id)
	defer func() { m.End(err) }()

	fields, err := patch.fields()
	if err != nil {
		m.SetErrorStage("validate")
		return err
	}
	cur, err := s.load(ctx, actor.ID, id)
	if err != nil {
		m.SetErrorStage("load")
		return err
	}
	if cur.OwnerID != actor.ID {
		m.SetErrorStage("authorize")
		return domain.ErrForbidden
	}
	if err := s.store.Update(ctx, domain.TasksCollection, id, fields); err != nil {
		m.SetErrorStage("store")
		return err
	}

	updated := cur
	if title, ok := fields["title"].(string); ok {
		updated.Title = title
	}
	if patch.AssignedTo != nil {
		assigned := fields["assignedTo"].([]string)
		var added, removed []string
		for _, uid := range assigned {
			if !slices.Contains(cur.AssignedTo, uid) {
				added = append(added, uid)
			}
		}
		for _, uid := range cur.AssignedTo {
			if !slices.Contains(assigned, uid) {
				removed = append(removed, uid)
			}
		}
		updated.AssignedTo = assigned
		s.unassigned(ctx, id, removed)
		s.notifyAssigned(ctx, actor, updated, added)
	}
	s.record(ctx, actor.ID, domain.ActivityTaskUpdated, updated)
	return nil
}

// SetCompleted marks a visible task completed or open again.
func (s *Service) SetCompleted(ctx context.Context, actor domain.Actor, id string, completed bool) (err error) {
	m, ctx := startCommand(ctx, s.log, "set_completed", actor.ID)
	m.SetTask(id)
	defer func() { m.End(err) }()

	cur, err := s.load(ctx, actor.ID, id)
	if err != nil {
		m.SetErrorStage("load")
		return err
	}
	return s.setCompleted(ctx, m, actor, cur, completed)
}

// ToggleComplete flips the completion of a visible task.
func (s *Service) ToggleComplete(ctx context.Context, actor domain.Actor, id string) (err error) {
	m, ctx := startCommand(ctx, s.log, "toggle", actor.ID)
	m.SetTask(id)
	defer func() { m.End(err) }()

	cur, err := s.load(ctx, actor.ID, id)
	if err != nil {
		m.SetErrorStage("load")
		return err
	}
	return s.setCompleted(ctx, m, actor, cur, !cur.Completed)
}

func (s *Service) setCompleted(ctx context.Context, m *commandMetrics, actor domain.Actor, cur domain.Task, completed bool) error {
	if err := s.store.Update(ctx, domain.TasksCollection, cur.ID, map[string]any{"completed": completed}); err != nil {
		m.SetErrorStage("store")
		return err
	}
	typ := domain.ActivityTaskReopened
	if completed {
		typ = domain.ActivityTaskCompleted
	}
	s.record(ctx, actor.ID, typ, cur)
	return nil
}

// Delete removes a task the actor owns.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, id string) (err error) {
	m, ctx := startCommand(ctx, s.log, "delete", actor.ID)
	m.SetTask(id)
	defer func() { m.End(err) }()

	cur, err := s.load(ctx, actor.ID, id)
	if err != nil {
		m.SetErrorStage("load")
		return err
	}
	if cur.OwnerID != actor.ID {
		m.SetErrorStage("authorize")
		return domain.ErrForbidden
	}
	if err := s.store.Delete(ctx, domain.TasksCollection, id); err != nil {
		m.SetErrorStage("store")
		return err
	}
	s.unassigned(ctx, id, cur.AssignedTo)
	s.record(ctx, actor.ID, domain.ActivityTaskDeleted, cur)
	return nil
}

// load fetches a task and hides it from actors who cannot see it.
func (s *Service) load(ctx context.Context, actorID, id string) (domain.Task, error) {
	if actorID == "" {
		return domain.Task{}, domain.ErrForbidden
	}
	doc, err := s.store.Get(ctx, domain.TasksCollection, id)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := DecodeTask(doc)
	if err != nil {
		return domain.Task{}, domain.NewStoreError("decode task "+id, err)
	}
	if !t.VisibleTo(actorID) {
		return domain.Task{}, domain.NewStoreError("get "+domain.TasksCollection+"/"+id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Service) notifyAssigned(ctx context.Context, actor domain.Actor, task domain.Task, userIDs []string) {
	if s.notifier == nil {
		return
	}
	var recipients []string
	for _, uid := range userIDs {
		if uid != actor.ID {
			recipients = append(recipients, uid)
		}
	}
	if len(recipients) == 0 {
		return
	}
	if err := s.notifier.NotifyAssigned(ctx, actor, task, recipients); err != nil {
		s.log.WithFields(log.Fields{"task": task.ID, "recipients": recipients}).WithError(err).Error("unable to notify assignees")
	}
}

func (s *Service) unassigned(ctx context.Context, taskID string, userIDs []string) {
	if s.notifier == nil || len(userIDs) == 0 {
		return
	}
	if err := s.notifier.Unassigned(ctx, taskID, userIDs); err != nil {
		s.log.WithFields(log.Fields{"task": taskID, "users": userIDs}).WithError(err).Warn("unable to release assignments")
	}
}

func (s *Service) record(ctx context.Context, actorID string, typ domain.ActivityType, task domain.Task) {
	if s.activity == nil {
		return
	}
	entry := domain.ActivityEntry{Type: typ, TaskID: task.ID, Title: task.Title}
	if err := s.activity.Record(ctx, actorID, entry); err != nil {
		s.log.WithFields(log.Fields{"task": task.ID, "activity": typ}).WithError(err).Warn("unable to record activity")
	}
}
