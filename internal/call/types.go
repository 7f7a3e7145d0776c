package call

import "fmt"

// Kind is the media type of a call.
type Kind string

const (
	KindNone  Kind = "none"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNone, KindVideo, KindVoice:
		return k, nil
	case "":
		return KindNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

type Participant struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// Session is the ephemeral state of a call bound to a room. Counters are
// pointers so a missing counter is not confused with zero.
type Session struct {
	Participants  []Participant `json:"participants"`
	Kind          Kind          `json:"call_kind"`
	CallID        string        `json:"call_id,omitempty"`
	JoinedCount   *int          `json:"joined_count,omitempty"`
	RejectedCount *int          `json:"rejected_count,omitempty"`
	NotifiedCount *int          `json:"notified_count,omitempty"`
}

func (s Session) participantByConnection(connectionID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ConnectionID == connectionID {
			return p, true
		}
	}
	return Participant{}, false
}

func (s Session) hasUser(userID string) bool {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type JoinResult struct {
	Joined bool `json:"joined"`
}

type LeaveResult struct {
	CallEnded    bool   `json:"call_ended"`
	Kind         Kind   `json:"call_kind"`
	CallID       string `json:"call_id,omitempty"`
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// Departure is one room a connection was removed from.
type Departure struct {
	RoomID string
	LeaveResult
	// Remaining holds the connection ids still in the call after the removal.
	Remaining []string
}

type StartOptions struct {
	Kind Kind
	// CallID defaults to a random UUID.
	CallID string
	// Notified is how many users were rung when the call started.
	Notified int
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
