package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestPriorityRankTreatsUnknownAsLow(t *testing.T) {
	cases := map[Priority]int{"high": 0, "HIGH": 0, "medium": 1, "low": 2, "": 2, "urgent": 2}
	for p, want := range cases {
		if got := p.Rank(); got != want {
			t.Fatalf("rank(%q) = %d, want %d", p, got, want)
		}
	}
}

func TestPriorityDecodesNonStringsAsLow(t *testing.T) {
	cases := map[string]Priority{
		`{"priority":"High"}`: "High",
		`{"priority":2}`:      "",
		`{"priority":true}`:   "",
		`{"priority":null}`:   "",
		`{}`:                  "",
	}
	for payload, want := range cases {
		var task Task
		if err := sonic.UnmarshalString(payload, &task); err != nil {
			t.Fatalf("unmarshal %s: %v", payload, err)
		}
		if task.Priority != want {
			t.Fatalf("%s: priority %q, want %q", payload, task.Priority, want)
		}
	}
	var task Task
	sonic.UnmarshalString(`{"priority":2}`, &task)
	if task.Priority.Rank() != PriorityLow.Rank() {
		t.Fatal("numeric priority must rank as low")
	}
}

func TestTaskVisibleTo(t *testing.T) {
	task := Task{ID: "t1", OwnerID: "alice", AssignedTo: []string{"bob"}}
	if !task.VisibleTo("alice") || !task.VisibleTo("bob") {
		t.Fatalf("owner and assignee must see the task")
	}
	if task.VisibleTo("carol") || task.VisibleTo("") {
		t.Fatalf("unrelated actors must not see the task")
	}
}

func TestTaskValidateReportsMissingOwner(t *testing.T) {
	err := Task{ID: "t1", Title: "x"}.Validate()
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) || malformed.Reason != "missing ownerId" {
		t.Fatalf("expected malformed record error, got %v", err)
	}
}

func TestDueDateJSON(t *testing.T) {
	due := NewDate(2026, time.March, 4)
	payload, err := sonic.Marshal(Task{ID: "t1", DueDate: &due})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), `"dueDate":"2026-03-04"`) {
		t.Fatalf("expected date-only due date, got %s", payload)
	}

	var decoded Task
	if err := sonic.Unmarshal([]byte(`{"id":"t1","dueDate":"2026-03-04T22:00:00Z"}`), &decoded); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	got, ok := decoded.Due()
	if !ok || got.Compare(due) != 0 {
		t.Fatalf("unexpected due date %v", got)
	}
}

func TestNewStoreErrorDoesNotDoubleWrap(t *testing.T) {
	inner := NewStoreError("get", ErrNotFound)
	outer := NewStoreError("update", inner)
	if outer != inner {
		t.Fatalf("expected existing store error to be returned unchanged")
	}
	if !errors.Is(outer, ErrNotFound) {
		t.Fatalf("expected ErrNotFound to be reachable")
	}
}
