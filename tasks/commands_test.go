package tasks

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskhub/domain"
	"taskhub/feed"
	"taskhub/notify"
)

type assignment struct {
	taskID string
	users  []string
}

type recordingNotifier struct {
	mu         sync.Mutex
	calls      []assignment
	unassigned []assignment
	err        error
}

func (n *recordingNotifier) NotifyAssigned(_ context.Context, _ domain.Actor, task domain.Task, users []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, assignment{taskID: task.ID, users: users})
	return n.err
}

func (n *recordingNotifier) Unassigned(_ context.Context, taskID string, users []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unassigned = append(n.unassigned, assignment{taskID: taskID, users: users})
	return n.err
}

type recordingActivity struct {
	entries []domain.ActivityType
}

func (a *recordingActivity) Record(_ context.Context, _ string, e domain.ActivityEntry) error {
	a.entries = append(a.entries, e.Type)
	return nil
}

var (
	alice = domain.Actor{ID: "alice", DisplayName: "Alice"}
	bob   = domain.Actor{ID: "bob", DisplayName: "Bob"}
	carol = domain.Actor{ID: "carol", DisplayName: "Carol"}
)

func newService(t *testing.T) (*Service, *feed.Live, *recordingNotifier, *recordingActivity) {
	t.Helper()
	store := feed.NewMemory()
	n := &recordingNotifier{}
	a := &recordingActivity{}
	logger, _ := test.NewNullLogger()
	return NewService(store, n, a, logger), store, n, a
}

func loadTask(t *testing.T, store *feed.Live, id string) domain.Task {
	t.Helper()
	doc, err := store.Get(context.Background(), domain.TasksCollection, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	task, err := DecodeTask(doc)
	if err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return task
}

func TestCreateAppliesDefaultsAndNotifies(t *testing.T) {
	svc, store, n, a := newService(t)
	ctx := context.Background()
	id, err := svc.Create(ctx, alice, TaskInput{
		Title:      "  Buy milk ",
		Tags:       []string{"home", "home", " "},
		DueDate:    "2024-05-11",
		AssignedTo: []string{"bob", "alice", "bob"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := loadTask(t, store, id)
	if task.Title != "Buy milk" || task.OwnerID != "alice" || task.OwnerName != "Alice" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Category != domain.CategoryOther || task.Priority != domain.PriorityMedium || task.Completed {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if !slices.Equal(task.Tags, []string{"home"}) || !slices.Equal(task.AssignedTo, []string{"bob", "alice"}) {
		t.Fatalf("lists not cleaned: %v %v", task.Tags, task.AssignedTo)
	}
	if due, ok := task.Due(); !ok || due.String() != "2024-05-11" {
		t.Fatalf("unexpected due date %v", task.DueDate)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.Before(task.CreatedAt) {
		t.Fatalf("bad timestamps %v %v", task.CreatedAt, task.UpdatedAt)
	}
	if len(n.calls) != 1 || !slices.Equal(n.calls[0].users, []string{"bob"}) {
		t.Fatalf("expected bob notified once, got %+v", n.calls)
	}
	if !slices.Equal(a.entries, []domain.ActivityType{domain.ActivityTaskCreated}) {
		t.Fatalf("unexpected activity %v", a.entries)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, n, _ := newService(t)
	ctx := context.Background()
	for _, in := range []TaskInput{
		{Title: "   "},
		{Title: "x", Priority: "urgent"},
		{Title: "x", Category: "chores"},
		{Title: "x", DueDate: "tomorrow"},
	} {
		if _, err := svc.Create(ctx, alice, in); !errors.Is(err, domain.ErrInvalidTask) {
			t.Fatalf("input %+v: expected ErrInvalidTask, got %v", in, err)
		}
	}
	if len(n.calls) != 0 {
		t.Fatal("notified for rejected input")
	}
}

func TestOwnerOnlyEditAndDelete(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, alice, TaskInput{Title: "shared", AssignedTo: []string{"bob"}})

	title := "hijacked"
	if err := svc.Update(ctx, bob, id, TaskPatch{Title: &title}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("assignee edit: expected ErrForbidden, got %v", err)
	}
	if err := svc.Delete(ctx, bob, id); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("assignee delete: expected ErrForbidden, got %v", err)
	}
	if err := svc.Update(ctx, carol, id, TaskPatch{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger edit: expected ErrNotFound, got %v", err)
	}
	if got := loadTask(t, store, id); got.Title != "shared" {
		t.Fatalf("task changed: %+v", got)
	}
	if err := svc.Delete(ctx, alice, id); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := store.Get(ctx, domain.TasksCollection, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected task removed, got %v", err)
	}
}

func TestAssigneeMayToggleCompletion(t *testing.T) {
	svc, store, _, a := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, alice, TaskInput{Title: "shared", AssignedTo: []string{"bob"}})

	if err := svc.ToggleComplete(ctx, bob, id); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !loadTask(t, store, id).Completed {
		t.Fatal("expected completed")
	}
	if err := svc.SetCompleted(ctx, alice, id, false); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if loadTask(t, store, id).Completed {
		t.Fatal("expected reopened")
	}
	if err := svc.ToggleComplete(ctx, carol, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger toggle: expected ErrNotFound, got %v", err)
	}
	want := []domain.ActivityType{domain.ActivityTaskCreated, domain.ActivityTaskCompleted, domain.ActivityTaskReopened}
	if !slices.Equal(a.entries, want) {
		t.Fatalf("unexpected activity %v", a.entries)
	}
}

func TestUpdateNotifiesOnlyNewAssignees(t *testing.T) {
	svc, store, n, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, alice, TaskInput{Title: "plan", AssignedTo: []string{"bob"}})
	n.calls = nil

	assignees := []string{"bob", "carol", "alice"}
	noDue := ""
	if err := svc.Update(ctx, alice, id, TaskPatch{AssignedTo: &assignees, DueDate: &noDue}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(n.calls) != 1 || !slices.Equal(n.calls[0].users, []string{"carol"}) {
		t.Fatalf("expected only carol notified, got %+v", n.calls)
	}
	if got := loadTask(t, store, id); got.DueDate != nil || len(got.AssignedTo) != 3 {
		t.Fatalf("unexpected task %+v", got)
	}

	title := "renamed"
	n.calls = nil
	svc.Update(ctx, alice, id, TaskPatch{Title: &title})
	if len(n.calls) != 0 {
		t.Fatalf("notified without assignment change: %+v", n.calls)
	}
}

func TestUpdateReleasesRemovedAssignees(t *testing.T) {
	svc, _, n, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, alice, TaskInput{Title: "plan", AssignedTo: []string{"bob", "carol"}})

	assignees := []string{"carol"}
	if err := svc.Update(ctx, alice, id, TaskPatch{AssignedTo: &assignees}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(n.unassigned) != 1 || n.unassigned[0].taskID != id || !slices.Equal(n.unassigned[0].users, []string{"bob"}) {
		t.Fatalf("expected bob released, got %+v", n.unassigned)
	}
}

func TestReassignmentNotifiesAgain(t *testing.T) {
	store := feed.NewMemory()
	logger, _ := test.NewNullLogger()
	creator := notify.NewCreator(store, notify.NewMemoryDeduper(), logger)
	svc := NewService(store, creator, &recordingActivity{}, logger)
	ctx := context.Background()

	id, err := svc.Create(ctx, alice, TaskInput{Title: "plan", AssignedTo: []string{"bob"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	none := []string{}
	if err := svc.Update(ctx, alice, id, TaskPatch{AssignedTo: &none}); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	again := []string{"bob"}
	if err := svc.Update(ctx, alice, id, TaskPatch{AssignedTo: &again}); err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	docs, err := store.Fetch(ctx, notify.Query("bob"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 notifications for bob, got %d", len(docs))
	}
}

func TestNotificationFailureDoesNotFailCommand(t *testing.T) {
	svc, _, n, _ := newService(t)
	n.err = errors.New("queue down")
	if _, err := svc.Create(context.Background(), alice, TaskInput{Title: "x", AssignedTo: []string{"bob"}}); err != nil {
		t.Fatalf("create failed on notification error: %v", err)
	}
}

func TestUpdateMissingTaskSurfacesStoreError(t *testing.T) {
	svc, _, _, _ := newService(t)
	title := "x"
	err := svc.Update(context.Background(), alice, "missing", TaskPatch{Title: &title})
	var storeErr *domain.StoreError
	if !errors.As(err, &storeErr) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected StoreError wrapping ErrNotFound, got %v", err)
	}
}

func TestCommandSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}()

	svc, _, _, _ := newService(t)
	ctx := context.Background()
	id, _ := svc.Create(ctx, alice, TaskInput{Title: "x"})
	svc.Delete(ctx, bob, id)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "tasks.create" || spans[0].Status.Code != codes.Ok {
		t.Fatalf("unexpected create span %s %v", spans[0].Name, spans[0].Status)
	}
	del := spans[1]
	if del.Name != "tasks.delete" || del.Status.Code != codes.Error {
		t.Fatalf("unexpected delete span %s %v", del.Name, del.Status)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range del.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["taskhub.error_stage"].AsString() != "load" && attrs["taskhub.error_stage"].AsString() != "authorize" {
		t.Fatalf("unexpected error stage %v", attrs["taskhub.error_stage"])
	}
	if attrs["taskhub.task_id"].AsString() != id {
		t.Fatalf("task id not recorded: %v", attrs["taskhub.task_id"])
	}
}
