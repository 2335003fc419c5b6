package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/feed"
)

// Alert is a system-level notification shown outside the app.
type Alert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// AlertFor renders n as an alert.
func AlertFor(n domain.Notification) Alert {
	a := Alert{Title: n.Title, Body: n.Message, Tag: n.TaskID}
	if a.Title == "" {
		a.Title = "New Notification"
	}
	if a.Body == "" {
		a.Body = "You have a new notification"
	}
	if a.Tag == "" {
		a.Tag = "notification"
	}
	return a
}

// Alerter delivers alerts. It returns domain.ErrAlertPermission when the
// recipient never granted alert permission.
type Alerter interface {
	Alert(ctx context.Context, userID string, a Alert) error
}

// PermissionsCollection holds one document per user who granted alerts.
const PermissionsCollection = "alertPermissions"

// Permission is a user's alert grant and the device token to push to.
type Permission struct {
	UserID    string    `json:"id"`
	Token     string    `json:"token"`
	GrantedAt time.Time `json:"updatedAt"`
}

// PermissionStore is the part of the change feed permissions are kept in.
type PermissionStore interface {
	Get(ctx context.Context, collection, id string) (feed.Document, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

// Permissions records which users accept alerts.
type Permissions struct {
	store PermissionStore
}

func NewPermissions(store PermissionStore) *Permissions {
	return &Permissions{store: store}
}

func (p *Permissions) Grant(ctx context.Context, userID, token string) error {
	return p.store.Set(ctx, PermissionsCollection, userID, map[string]any{"token": token})
}

func (p *Permissions) Revoke(ctx context.Context, userID string) error {
	return p.store.Delete(ctx, PermissionsCollection, userID)
}

// Lookup returns the grant of userID or domain.ErrAlertPermission.
func (p *Permissions) Lookup(ctx context.Context, userID string) (Permission, error) {
	doc, err := p.store.Get(ctx, PermissionsCollection, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return Permission{}, domain.ErrAlertPermission
	}
	if err != nil {
		return Permission{}, err
	}
	var perm Permission
	if err := feed.Decode(doc, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

type permissionLookup interface {
	Lookup(ctx context.Context, userID string) (Permission, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

type alertMessage struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
	Alert
}

// QueueAlerter enqueues alerts for the push worker on an Azure queue.
type QueueAlerter struct {
	queue queueClient
	perms permissionLookup
}

// NewQueueAlerter connects to queueName with the storage connection string.
func NewQueueAlerter(connStr, queueName string, perms *Permissions) (*QueueAlerter, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueAlerter{queue: q, perms: perms}, nil
}

func (q *QueueAlerter) Alert(ctx context.Context, userID string, a Alert) error {
	perm, err := q.perms.Lookup(ctx, userID)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(alertMessage{UserID: userID, Token: perm.Token, Alert: a})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// LogAlerter writes alerts to the log for deployments without a push
// worker.
type LogAlerter struct {
	perms permissionLookup
	log   *log.Logger
}

func NewLogAlerter(perms *Permissions, logger *log.Logger) *LogAlerter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogAlerter{perms: perms, log: logger}
}

func (l *LogAlerter) Alert(ctx context.Context, userID string, a Alert) error {
	if _, err := l.perms.Lookup(ctx, userID); err != nil {
		return err
	}
	l.log.WithFields(log.Fields{"user": userID, "title": a.Title, "tag": a.Tag}).Info(a.Body)
	return nil
}
