package users

import (
	"context"
	"testing"

	"taskhub/domain"
	"taskhub/feed"
)

func TestActiveSkipsDeactivatedUsers(t *testing.T) {
	store := feed.NewMemory()
	ctx := context.Background()
	store.Set(ctx, domain.UsersCollection, "u1", map[string]any{"displayName": "zoe"})
	store.Set(ctx, domain.UsersCollection, "u2", map[string]any{"displayName": "Adam", "isActive": true})
	store.Set(ctx, domain.UsersCollection, "u3", map[string]any{"displayName": "Bert", "isActive": false})

	got, err := NewDirectory(store, nil).Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u2" || got[1].ID != "u1" {
		t.Fatalf("unexpected users %+v", got)
	}
}

func TestEnsureRegistersThenRefreshes(t *testing.T) {
	store := feed.NewMemory()
	ctx := context.Background()
	d := NewDirectory(store, nil)

	actor := domain.Actor{ID: "alice", DisplayName: "Alice"}
	if err := d.Ensure(ctx, actor); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, _ := d.Active(ctx)
	if len(got) != 1 || got[0].DisplayName != "Alice" {
		t.Fatalf("unexpected users %+v", got)
	}

	store.Update(ctx, domain.UsersCollection, "alice", map[string]any{"isActive": false})
	actor.DisplayName = "Alice L."
	if err := d.Ensure(ctx, actor); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	doc, err := store.Get(ctx, domain.UsersCollection, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var u domain.User
	feed.Decode(doc, &u)
	if u.DisplayName != "Alice L." || u.Active() {
		t.Fatalf("expected refreshed name and kept flag, got %+v", u)
	}
}

func TestEnsureRequiresActor(t *testing.T) {
	if err := NewDirectory(feed.NewMemory(), nil).Ensure(context.Background(), domain.Actor{}); err == nil {
		t.Fatal("expected error")
	}
}
