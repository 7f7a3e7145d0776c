// Package presence tracks which users are connected and through which
// connections.
package presence

import (
	"context"
	"fmt"

	"switchboard/internal/sharedstate"
)

// MembershipSource resolves the active members of a room.
type MembershipSource interface {
	MembersOf(ctx context.Context, roomID string) ([]string, error)
}

// Registry maps user ids to their connection sets inside the shared
// document. It only reports online/offline transitions; emitting events
// and recording timestamps is left to the caller.
type Registry struct {
	state   sharedstate.Store
	members MembershipSource
}

func NewRegistry(state sharedstate.Store, members MembershipSource) *Registry {
	return &Registry{state: state, members: members}
}

func entryPath(userID string) sharedstate.Path {
	return sharedstate.P(sharedstate.BranchPresence, userID)
}

// Register adds connectionID to the user's connection set. Registering the
// same connection twice leaves a single occurrence.
func (r *Registry) Register(ctx context.Context, profile Profile, connectionID string) (Registration, error) {
	if profile.ID == "" {
		return Registration{}, ErrInvalidUserID
	}
	if connectionID == "" {
		return Registration{}, ErrInvalidConnectionID
	}

	path := entryPath(profile.ID)
	var out Registration
	err := r.state.Update(ctx, func(tx *sharedstate.Tx) error {
		var entry Entry
		found, err := tx.Decode(path, &entry)
		if err != nil {
			return err
		}
		out = Registration{WasOffline: !found || !entry.Online()}

		if !found {
			entry = Entry{Profile: profile, ConnectionIDs: []string{connectionID}}
			if err := tx.Set(path, entry); err != nil {
				return err
			}
			out.Entry = entry
			return nil
		}

		if !entry.HasConnection(connectionID) {
			if err := tx.Push(path.Child("connection_ids"), connectionID); err != nil {
				return err
			}
			entry.ConnectionIDs = append(entry.ConnectionIDs, connectionID)
		}
		if err := tx.Set(path.Child("profile"), profile); err != nil {
			return err
		}
		entry.Profile = profile
		out.Entry = entry
		return nil
	})
	if err != nil {
		return Registration{}, fmt.Errorf("register connection: %w", err)
	}
	return out, nil
}

// Unregister removes connectionID from the user's set. The entry stays in
// place even when the set becomes empty.
func (r *Registry) Unregister(ctx context.Context, userID, connectionID string) (Unregistration, error) {
	if userID == "" {
		return Unregistration{}, ErrInvalidUserID
	}

	path := entryPath(userID)
	var out Unregistration
	err := r.state.Update(ctx, func(tx *sharedstate.Tx) error {
		out = Unregistration{}
		var entry Entry
		found, err := tx.Decode(path, &entry)
		if err != nil || !found {
			return err
		}
		removed, err := tx.Remove(path.Child("connection_ids"), sharedstate.Equal(connectionID))
		if err != nil {
			return err
		}
		if removed {
			entry.ConnectionIDs = without(entry.ConnectionIDs, connectionID)
		}
		out = Unregistration{
			Found:       true,
			Removed:     removed,
			StillOnline: entry.Online(),
			Entry:       entry,
		}
		return nil
	})
	if err != nil {
		return Unregistration{}, fmt.Errorf("unregister connection: %w", err)
	}
	return out, nil
}

func (r *Registry) Lookup(ctx context.Context, userID string) (Entry, bool, error) {
	var entry Entry
	found, err := r.state.Decode(ctx, entryPath(userID), &entry)
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup presence: %w", err)
	}
	return entry, found, nil
}

// ListAll returns a snapshot of every presence entry, offline ones included.
func (r *Registry) ListAll(ctx context.Context) (map[string]Entry, error) {
	entries := map[string]Entry{}
	if _, err := r.state.Decode(ctx, sharedstate.P(sharedstate.BranchPresence), &entries); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return entries, nil
}

// ConnectionsForRoomMembers collects the live connections of a room's
// members, skipping excluded users and users with no presence entry.
func (r *Registry) ConnectionsForRoomMembers(ctx context.Context, roomID string, exclude ...string) ([]string, error) {
	if r.members == nil {
		return nil, ErrNoMembershipSource
	}
	members, err := r.members.MembersOf(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	entries, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var ids []string
	for _, userID := range members {
		if _, excluded := skip[userID]; excluded {
			continue
		}
		entry, ok := entries[userID]
		if !ok {
			continue
		}
		ids = append(ids, entry.ConnectionIDs...)
	}
	return ids, nil
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			out := make([]string, 0, len(ids)-1)
			out = append(out, ids[:i]...)
			return append(out, ids[i+1:]...)
		}
	}
	return ids
}
