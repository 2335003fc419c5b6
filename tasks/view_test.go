package tasks

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"taskhub/domain"
)

var now = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func date(offset int) *domain.Date {
	d := domain.DateOf(now).AddDays(offset)
	return &d
}

func randomTasks(r *rand.Rand, n int) []domain.Task {
	actors := []string{"alice", "bob", "carol"}
	priorities := []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow, "", "urgent"}
	out := make([]domain.Task, 0, n)
	for i := 0; i < n; i++ {
		t := domain.Task{
			ID:        fmt.Sprintf("t%03d", i),
			OwnerID:   actors[r.Intn(len(actors))],
			Title:     "task",
			Priority:  priorities[r.Intn(len(priorities))],
			Completed: r.Intn(3) == 0,
		}
		if r.Intn(2) == 0 {
			t.DueDate = date(r.Intn(7) - 3)
		}
		if r.Intn(4) != 0 {
			t.CreatedAt = now.Add(-time.Duration(r.Intn(5)) * time.Hour)
		}
		for _, a := range actors {
			if r.Intn(3) == 0 {
				t.AssignedTo = append(t.AssignedTo, a)
			}
		}
		out = append(out, t)
	}
	return out
}

func TestDeriveViewOrderIsDeterministicAndConsistent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		in := randomTasks(r, r.Intn(30))
		first := DeriveView(in, "alice", FilterAll, now)

		shuffled := slices.Clone(in)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second := DeriveView(shuffled, "alice", FilterAll, now)

		if len(first) != len(second) {
			t.Fatalf("round %d: length differs %d vs %d", round, len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID || first[i].CreatedAt != second[i].CreatedAt {
				t.Fatalf("round %d: position %d differs: %s vs %s", round, i, first[i].ID, second[i].ID)
			}
		}
		for i := 1; i < len(first); i++ {
			if Compare(first[i-1].Task, first[i].Task) > 0 {
				t.Fatalf("round %d: adjacent pair out of order at %d", round, i)
			}
			if Compare(first[i].Task, first[i-1].Task) < 0 && Compare(first[i-1].Task, first[i].Task) < 0 {
				t.Fatalf("round %d: contradictory comparison at %d", round, i)
			}
		}
	}
}

func TestDeriveViewVisibility(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	tasks := randomTasks(r, 200)
	for _, actor := range []string{"alice", "bob", "carol", "dave", ""} {
		view := DeriveView(tasks, actor, FilterAll, now)
		want := 0
		for _, task := range tasks {
			if task.OwnerID == actor || slices.Contains(task.AssignedTo, actor) {
				if actor != "" {
					want++
				}
			}
		}
		if len(view) != want {
			t.Fatalf("actor %q: got %d tasks, want %d", actor, len(view), want)
		}
		for _, item := range view {
			if item.OwnerID != actor && !slices.Contains(item.AssignedTo, actor) {
				t.Fatalf("actor %q sees task %s", actor, item.ID)
			}
		}
	}
}

func TestDeriveViewPrecedence(t *testing.T) {
	tasks := []domain.Task{
		{ID: "done-high", OwnerID: "alice", Title: "x", Priority: domain.PriorityHigh, Completed: true, DueDate: date(1)},
		{ID: "medium", OwnerID: "alice", Title: "x", Priority: domain.PriorityMedium},
		{ID: "high-undated", OwnerID: "alice", Title: "x", Priority: domain.PriorityHigh},
		{ID: "high-tomorrow", OwnerID: "alice", Title: "x", Priority: domain.PriorityHigh, DueDate: date(1)},
		{ID: "done-low", OwnerID: "alice", Title: "x", Priority: domain.PriorityLow, Completed: true},
	}
	view := DeriveView(tasks, "alice", FilterAll, now)
	var got []string
	for _, item := range view {
		got = append(got, item.ID)
	}
	want := []string{"high-tomorrow", "high-undated", "medium", "done-high", "done-low"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeriveViewTieBreaks(t *testing.T) {
	tasks := []domain.Task{
		{ID: "old", OwnerID: "alice", Title: "x", CreatedAt: now.Add(-time.Hour)},
		{ID: "missing", OwnerID: "alice", Title: "x"},
		{ID: "new", OwnerID: "alice", Title: "x", CreatedAt: now},
		{ID: "unknown-priority", OwnerID: "alice", Title: "x", Priority: "urgent", CreatedAt: now.Add(time.Hour)},
		{ID: "later-due", OwnerID: "alice", Title: "x", Priority: domain.PriorityMedium, DueDate: date(3)},
		{ID: "earlier-due", OwnerID: "alice", Title: "x", Priority: domain.PriorityMedium, DueDate: date(-2)},
	}
	for i := range tasks[:3] {
		tasks[i].Priority = domain.PriorityMedium
	}
	view := DeriveView(tasks, "alice", FilterAll, now)
	var got []string
	for _, item := range view {
		got = append(got, item.ID)
	}
	want := []string{"earlier-due", "later-due", "new", "old", "missing", "unknown-priority"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !view[0].Overdue || view[1].Overdue {
		t.Fatalf("unexpected overdue flags %v %v", view[0].Overdue, view[1].Overdue)
	}
}

func TestDeriveViewFilters(t *testing.T) {
	tasks := []domain.Task{
		{ID: "own", OwnerID: "alice", Title: "x"},
		{ID: "own-assigned-self", OwnerID: "alice", Title: "x", AssignedTo: []string{"alice"}},
		{ID: "shared", OwnerID: "bob", Title: "x", AssignedTo: []string{"alice"}},
		{ID: "done", OwnerID: "bob", Title: "x", AssignedTo: []string{"alice"}, Completed: true},
		{ID: "hidden", OwnerID: "bob", Title: "x", Completed: true},
	}
	cases := map[Filter][]string{
		FilterAll:       {"own", "own-assigned-self", "shared", "done"},
		FilterPersonal:  {"own", "own-assigned-self"},
		FilterShared:    {"shared", "done"},
		FilterCompleted: {"done"},
	}
	for f, want := range cases {
		var got []string
		for _, item := range DeriveView(tasks, "alice", f, now) {
			got = append(got, item.ID)
		}
		slices.Sort(got)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			t.Fatalf("filter %s: got %v, want %v", f, got, want)
		}
	}
}

func TestDeriveViewDoesNotMutateInput(t *testing.T) {
	tasks := []domain.Task{
		{ID: "b", OwnerID: "alice", Title: "x", Priority: domain.PriorityLow},
		{ID: "a", OwnerID: "alice", Title: "x", Priority: domain.PriorityHigh},
	}
	DeriveView(tasks, "alice", FilterAll, now)
	if tasks[0].ID != "b" {
		t.Fatal("input reordered")
	}
}

func TestParseFilter(t *testing.T) {
	if f, err := ParseFilter(""); err != nil || f != FilterAll {
		t.Fatalf("empty filter: %v %v", f, err)
	}
	if f, err := ParseFilter(" Shared "); err != nil || f != FilterShared {
		t.Fatalf("shared filter: %v %v", f, err)
	}
	if _, err := ParseFilter("archived"); err == nil {
		t.Fatal("expected error for unknown filter")
	}
}
