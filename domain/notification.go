package domain

import "time"

// NotificationsCollection is the document collection holding notifications.
const NotificationsCollection = "notifications"

type NotificationType string

const NotificationTaskAssigned NotificationType = "task_assigned"

// Notification is an event addressed to a single recipient.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	TaskID    string           `json:"taskId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (n Notification) Validate() error {
	switch {
	case n.ID == "":
		return &MalformedRecordError{Collection: NotificationsCollection, Reason: "missing id"}
	case n.UserID == "":
		return &MalformedRecordError{Collection: NotificationsCollection, ID: n.ID, Reason: "missing userId"}
	}
	return nil
}
