// Package notify routes lifecycle events to connections, either directly
// inside one worker or through NATS to every worker.
package notify

import (
	"context"
	"errors"
)

// PresenceGroup receives every presence change.
const PresenceGroup = "presence"

// UserGroup holds all connections of one user.
func UserGroup(userID string) string {
	return "user:" + userID
}

// UserPresenceGroup holds connections watching one user's presence.
func UserPresenceGroup(userID string) string {
	return "presence:" + userID
}

var ErrNoTarget = errors.New("event has no group or connections")

// Event is a named notification addressed either to a group or to an
// explicit set of connections. Except is skipped when delivering to a
// group.
type Event struct {
	Name        string   `json:"event"`
	Group       string   `json:"group,omitempty"`
	Connections []string `json:"connections,omitempty"`
	Except      string   `json:"except,omitempty"`
	Payload     any      `json:"payload"`
}

func (e Event) validate() error {
	if e.Group == "" && len(e.Connections) == 0 {
		return ErrNoTarget
	}
	return nil
}

// Sink accepts events for delivery.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Deliverer hands an event to the connections held by this worker.
type Deliverer interface {
	Deliver(ev Event)
}

// Local delivers straight to this worker's connections. It is the sink
// used when no broker is configured.
type Local struct {
	Deliverer Deliverer
}

func (l Local) Emit(_ context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	l.Deliverer.Deliver(ev)
	return nil
}
