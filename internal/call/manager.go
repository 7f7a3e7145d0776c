// Package call manages call sessions stored under the rooms branch of the
// shared document.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"switchboard/internal/sharedstate"
)

type Manager struct {
	state sharedstate.Store
}

func NewManager(state sharedstate.Store) *Manager {
	return &Manager{state: state}
}

func roomPath(roomID string) sharedstate.Path {
	return sharedstate.P(sharedstate.BranchRooms, roomID)
}

// Start creates the session for roomID with no participants. An existing
// session that still has participants is left alone.
func (m *Manager) Start(ctx context.Context, roomID string, opts StartOptions) (*Session, error) {
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}
	kind, err := ParseKind(string(opts.Kind))
	if err != nil {
		return nil, err
	}
	callID := opts.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	zero, notified := 0, opts.Notified

	session := Session{
		Participants:  []Participant{},
		Kind:          kind,
		CallID:        callID,
		JoinedCount:   &zero,
		RejectedCount: &zero,
		NotifiedCount: &notified,
	}
	path := roomPath(roomID)
	err = m.state.Update(ctx, func(tx *sharedstate.Tx) error {
		var existing Session
		found, err := tx.Decode(path, &existing)
		if err != nil {
			return err
		}
		if found && len(existing.Participants) > 0 {
			return ErrCallInProgress
		}
		return tx.Set(path, session)
	})
	if err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	return &session, nil
}

// Join adds the participant to a started call. It returns nil when the room
// has no session or the user or connection is already in it.
func (m *Manager) Join(ctx context.Context, roomID, userID, connectionID string) (*JoinResult, error) {
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}
	if connectionID == "" {
		return nil, ErrInvalidConnectionID
	}

	path := roomPath(roomID)
	var joined bool
	err := m.state.Update(ctx, func(tx *sharedstate.Tx) error {
		joined = false
		var session Session
		found, err := tx.Decode(path, &session)
		if err != nil || !found {
			return err
		}
		if session.hasUser(userID) {
			return nil
		}
		if _, ok := session.participantByConnection(connectionID); ok {
			return nil
		}
		p := Participant{UserID: userID, ConnectionID: connectionID}
		if err := tx.Push(path.Child("participants"), p); err != nil {
			return err
		}
		if err := tx.SetKey(path, "joined_count", deref(session.JoinedCount)+1); err != nil {
			return err
		}
		joined = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("join call: %w", err)
	}
	if !joined {
		return nil, nil
	}
	return &JoinResult{Joined: true}, nil
}

// Leave removes the participant using connectionID. The call counts as
// ended when at most two participants were in it before the removal.
func (m *Manager) Leave(ctx context.Context, roomID, connectionID string) (*LeaveResult, error) {
	d, err := m.leave(ctx, roomID, connectionID, false)
	if err != nil || d == nil {
		return nil, err
	}
	return &d.LeaveResult, nil
}

// LeaveAndEnd is Leave, except that a call it ends is deleted in the same
// transaction as the removal, so a concurrent Join either lands before the
// removal and keeps the call alive or finds no session.
func (m *Manager) LeaveAndEnd(ctx context.Context, roomID, connectionID string) (*Departure, error) {
	return m.leave(ctx, roomID, connectionID, true)
}

func (m *Manager) leave(ctx context.Context, roomID, connectionID string, teardown bool) (*Departure, error) {
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}

	path := roomPath(roomID)
	var out *Departure
	err := m.state.Update(ctx, func(tx *sharedstate.Tx) error {
		out = nil
		var session Session
		found, err := tx.Decode(path, &session)
		if err != nil || !found {
			return err
		}
		p, ok := session.participantByConnection(connectionID)
		if !ok {
			return nil
		}
		before := len(session.Participants)
		removed, err := tx.Remove(path.Child("participants"), sharedstate.FieldEqual("connection_id", connectionID))
		if err != nil || !removed {
			return err
		}
		ended := before <= 2
		remaining := make([]string, 0, before-1)
		for _, other := range session.Participants {
			if other.ConnectionID != connectionID {
				remaining = append(remaining, other.ConnectionID)
			}
		}
		if ended && teardown {
			tx.Delete(path)
		}
		out = &Departure{
			RoomID: roomID,
			LeaveResult: LeaveResult{
				CallEnded:    ended,
				Kind:         session.Kind,
				CallID:       session.CallID,
				UserID:       p.UserID,
				ConnectionID: p.ConnectionID,
			},
			Remaining: remaining,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("leave call: %w", err)
	}
	return out, nil
}

// Reject counts a declined invitation. It reports false for an unknown room.
func (m *Manager) Reject(ctx context.Context, roomID string) (bool, error) {
	path := roomPath(roomID)
	var counted bool
	err := m.state.Update(ctx, func(tx *sharedstate.Tx) error {
		counted = false
		var session Session
		found, err := tx.Decode(path, &session)
		if err != nil || !found {
			return err
		}
		if err := tx.SetKey(path, "rejected_count", deref(session.RejectedCount)+1); err != nil {
			return err
		}
		counted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reject call: %w", err)
	}
	return counted, nil
}

// End tears the session down.
func (m *Manager) End(ctx context.Context, roomID string) (bool, error) {
	deleted, err := m.state.Delete(ctx, roomPath(roomID))
	if err != nil {
		return false, fmt.Errorf("end call: %w", err)
	}
	return deleted, nil
}

func (m *Manager) Session(ctx context.Context, roomID string) (*Session, error) {
	var session Session
	found, err := m.state.Decode(ctx, roomPath(roomID), &session)
	if err != nil {
		return nil, fmt.Errorf("load call session: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

func (m *Manager) Sessions(ctx context.Context) (map[string]Session, error) {
	sessions := map[string]Session{}
	if _, err := m.state.Decode(ctx, sharedstate.P(sharedstate.BranchRooms), &sessions); err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	return sessions, nil
}

// SessionsForConnection lists, in order, the rooms whose participants
// include connectionID.
func (m *Manager) SessionsForConnection(ctx context.Context, connectionID string) ([]string, error) {
	sessions, err := m.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	var rooms []string
	for roomID, session := range sessions {
		if _, ok := session.participantByConnection(connectionID); ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

// ForceLeaveAll removes connectionID from every call it is part of through
// LeaveAndEnd. Rooms that fail are skipped and reported together in the
// returned error.
func (m *Manager) ForceLeaveAll(ctx context.Context, connectionID string) ([]Departure, error) {
	rooms, err := m.SessionsForConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	var (
		departures []Departure
		errs       []error
	)
	for _, roomID := range rooms {
		d, err := m.LeaveAndEnd(ctx, roomID, connectionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			continue
		}
		if d == nil {
			continue
		}
		departures = append(departures, *d)
	}
	return departures, errors.Join(errs...)
}
