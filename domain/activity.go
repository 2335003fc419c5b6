package domain

import "time"

type ActivityType string

const (
	ActivityTaskCreated   ActivityType = "task_created"
	ActivityTaskUpdated   ActivityType = "task_updated"
	ActivityTaskCompleted ActivityType = "task_completed"
	ActivityTaskReopened  ActivityType = "task_reopened"
	ActivityTaskDeleted   ActivityType = "task_deleted"
)

// ActivityEntry is one line of an actor's activity feed.
type ActivityEntry struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	TaskID    string       `json:"taskId,omitempty"`
	Title     string       `json:"title,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActivityPath returns the realtime path of an actor's activity list.
func ActivityPath(userID string) string {
	return "activities/" + userID
}
