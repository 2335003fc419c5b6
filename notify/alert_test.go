package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"taskhub/domain"
	"taskhub/feed"
)

type fakeQueue struct {
	messages []string
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	perms := NewPermissions(feed.NewMemory())
	if _, err := perms.Lookup(ctx, "bob"); !errors.Is(err, domain.ErrAlertPermission) {
		t.Fatalf("expected ErrAlertPermission, got %v", err)
	}
	if err := perms.Grant(ctx, "bob", "device-1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	p, err := perms.Lookup(ctx, "bob")
	if err != nil || p.Token != "device-1" || p.UserID != "bob" || p.GrantedAt.IsZero() {
		t.Fatalf("unexpected permission %+v err=%v", p, err)
	}
	perms.Revoke(ctx, "bob")
	if _, err := perms.Lookup(ctx, "bob"); !errors.Is(err, domain.ErrAlertPermission) {
		t.Fatalf("expected ErrAlertPermission after revoke, got %v", err)
	}
}

func TestQueueAlerter(t *testing.T) {
	ctx := context.Background()
	perms := NewPermissions(feed.NewMemory())
	q := &fakeQueue{}
	alerter := &QueueAlerter{queue: q, perms: perms}
	alert := Alert{Title: "New task assigned: x", Body: "Alice assigned you a task", Tag: "t1"}

	if err := alerter.Alert(ctx, "bob", alert); !errors.Is(err, domain.ErrAlertPermission) {
		t.Fatalf("expected ErrAlertPermission, got %v", err)
	}
	if len(q.messages) != 0 {
		t.Fatal("enqueued without permission")
	}

	perms.Grant(ctx, "bob", "device-1")
	if err := alerter.Alert(ctx, "bob", alert); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.messages))
	}
	var msg alertMessage
	if err := sonic.UnmarshalString(q.messages[0], &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.UserID != "bob" || msg.Token != "device-1" || msg.Tag != "t1" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestLogAlerter(t *testing.T) {
	ctx := context.Background()
	perms := NewPermissions(feed.NewMemory())
	logger, hook := test.NewNullLogger()
	alerter := NewLogAlerter(perms, logger)
	if err := alerter.Alert(ctx, "bob", Alert{Body: "hi"}); !errors.Is(err, domain.ErrAlertPermission) {
		t.Fatalf("expected ErrAlertPermission, got %v", err)
	}
	perms.Grant(ctx, "bob", "")
	if err := alerter.Alert(ctx, "bob", Alert{Title: "t", Body: "hello bob"}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if e := hook.LastEntry(); e == nil || !strings.Contains(e.Message, "hello bob") {
		t.Fatalf("alert not logged: %+v", e)
	}
}
