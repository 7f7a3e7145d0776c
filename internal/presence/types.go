package presence

import "time"

// Profile is the normalized identity cached next to a user's connections.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AccountType string `json:"account_type"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Entry is the presence record of one user.
type Entry struct {
	Profile       Profile  `json:"profile"`
	ConnectionIDs []string `json:"connection_ids"`
}

// Online reports whether the user has at least one live connection. An
// entry with an empty connection set is offline.
func (e Entry) Online() bool {
	return len(e.ConnectionIDs) > 0
}

func (e Entry) HasConnection(connectionID string) bool {
	for _, id := range e.ConnectionIDs {
		if id == connectionID {
			return true
		}
	}
	return false
}

// LastSeen carries the timestamps recorded when a user goes online or
// offline. Nil fields are left unchanged.
type LastSeen struct {
	OnlineAt  *time.Time
	OfflineAt *time.Time
}

type Registration struct {
	WasOffline bool
	Entry      Entry
}

type Unregistration struct {
	// Found is false when the user had no presence entry at all.
	Found       bool
	Removed     bool
	StillOnline bool
	Entry       Entry
}
