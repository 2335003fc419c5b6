package domain

// UsersCollection is the document collection holding user profiles.
const UsersCollection = "users"

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID          string
	DisplayName string
	PhotoURL    string
}

// User is a profile that tasks can be assigned to.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
	IsActive    *bool  `json:"isActive,omitempty"`
}

// Active treats a missing flag as active.
func (u User) Active() bool {
	return u.IsActive == nil || *u.IsActive
}
