package domain

import "time"

// PresenceRecord is the online status of one actor.
type PresenceRecord struct {
	UserID   string    `json:"-"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// PresencePath returns the realtime path of an actor's status record.
func PresencePath(userID string) string {
	return "status/" + userID
}
