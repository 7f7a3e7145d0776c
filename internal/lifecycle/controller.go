// Package lifecycle admits connections and keeps presence and call state in
// step with them: scope check, authentication, presence registration and,
// once the connection drops, cleanup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/call"
	"switchboard/internal/notify"
	"switchboard/internal/presence"
)

const instrumentationName = "switchboard/lifecycle"

// IdentityResolver turns a connection's handshake into a profile. A nil
// profile with a nil error means the user does not exist.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, conn Conn) (*presence.Profile, error)
}

// LastSeenRecorder persists online/offline timestamps.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, userID string, seen presence.LastSeen) error
}

type Options struct {
	// RequiredScope, when set, must equal the handshake scope tag.
	RequiredScope string
	Identity      IdentityResolver
	LastSeen      LastSeenRecorder
	Registry      *presence.Registry
	Calls         *call.Manager
	Sink          notify.Sink
	Logger        *slog.Logger
	Now           func() time.Time
}

type Controller struct {
	requiredScope string
	identity      IdentityResolver
	lastSeen      LastSeenRecorder
	registry      *presence.Registry
	calls         *call.Manager
	sink          notify.Sink
	logger        *slog.Logger
	now           func() time.Time

	tracer      trace.Tracer
	connects    metric.Int64Counter
	disconnects metric.Int64Counter
	rejections  metric.Int64Counter
	forceLeaves metric.Int64Counter
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.Identity == nil:
		return nil, fmt.Errorf("%w: identity resolver", ErrMissingDependency)
	case opts.Registry == nil:
		return nil, fmt.Errorf("%w: presence registry", ErrMissingDependency)
	case opts.Calls == nil:
		return nil, fmt.Errorf("%w: call manager", ErrMissingDependency)
	case opts.Sink == nil:
		return nil, fmt.Errorf("%w: notification sink", ErrMissingDependency)
	}
	c := &Controller{
		requiredScope: opts.RequiredScope,
		identity:      opts.Identity,
		lastSeen:      opts.LastSeen,
		registry:      opts.Registry,
		calls:         opts.Calls,
		sink:          opts.Sink,
		logger:        opts.Logger,
		now:           opts.Now,
		tracer:        otel.Tracer(instrumentationName),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	meter := otel.Meter(instrumentationName)
	c.connects, _ = meter.Int64Counter("presence_connects_total",
		metric.WithDescription("Connections registered in presence"))
	c.disconnects, _ = meter.Int64Counter("presence_disconnects_total",
		metric.WithDescription("Connections cleaned up after disconnect"))
	c.rejections, _ = meter.Int64Counter("presence_rejections_total",
		metric.WithDescription("Connections refused during admission"))
	c.forceLeaves, _ = meter.Int64Counter("call_force_leaves_total",
		metric.WithDescription("Call participants removed because their connection dropped"))
	return c, nil
}

// Admission describes an admitted connection.
type Admission struct {
	Profile    presence.Profile
	Registered bool
	WasOffline bool
}

// Admit runs the admission steps for conn. A *Rejection is returned when
// the scope or identity check fails. When presence registration fails the
// connection is still authenticated: Admit returns the Admission along with
// an error wrapping ErrRegistrationFailed.
func (c *Controller) Admit(ctx context.Context, conn Conn) (*Admission, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.admit",
		trace.WithAttributes(attribute.String("connection.id", conn.ID())))
	defer span.End()

	if rej := c.checkScope(conn.Handshake()); rej != nil {
		c.reject(ctx, span, conn, rej)
		return nil, rej
	}

	profile, err := c.identity.ResolveIdentity(ctx, conn)
	if err != nil || profile == nil {
		rej := &Rejection{Kind: RejectAuthentication, Reason: authReason(err), Err: err}
		c.reject(ctx, span, conn, rej)
		return nil, rej
	}
	span.SetAttributes(attribute.String("user.id", profile.ID))

	adm := &Admission{Profile: *profile}
	wasOffline, err := c.register(ctx, conn, *profile)
	if err != nil {
		c.logger.Error("Presence registration failed",
			"connection_id", conn.ID(), "user_id", profile.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "registration failed")
		return adm, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	adm.Registered = true
	adm.WasOffline = wasOffline
	c.connects.Add(ctx, 1)
	c.logger.Info("Connection registered",
		"connection_id", conn.ID(), "user_id", profile.ID, "was_offline", wasOffline)
	return adm, nil
}

func (c *Controller) checkScope(h Handshake) *Rejection {
	if c.requiredScope == "" {
		return nil
	}
	scope := h.Scope()
	switch {
	case scope == c.requiredScope:
		return nil
	case scope == "":
		return &Rejection{Kind: RejectScope, Reason: reasonMissingScope}
	default:
		return &Rejection{Kind: RejectScope, Reason: reasonWrongScope}
	}
}

func (c *Controller) reject(ctx context.Context, span trace.Span, conn Conn, rej *Rejection) {
	c.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason_kind", string(rej.Kind))))
	span.SetStatus(codes.Error, string(rej.Kind)+" rejected")
	c.logger.Warn("Connection rejected",
		"connection_id", conn.ID(), "kind", rej.Kind, "reason", rej.Reason, "error", rej.Err)
}

// register records presence for an authenticated connection. Panics from
// collaborators are turned into errors so one bad connection cannot take
// the worker down.
func (c *Controller) register(ctx context.Context, conn Conn, profile presence.Profile) (wasOffline bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during registration: %v", r)
		}
	}()

	connectTime := c.now().UTC()
	current, found, err := c.registry.Lookup(ctx, profile.ID)
	if err != nil {
		return false, err
	}
	if !found || !current.Online() {
		c.recordLastSeen(ctx, profile.ID, presence.LastSeen{OnlineAt: &connectTime})
	}

	reg, err := c.registry.Register(ctx, profile, conn.ID())
	if err != nil {
		return false, err
	}
	conn.OnDisconnect(func(ctx context.Context) {
		c.Disconnect(ctx, conn.ID(), profile)
	})

	conn.Join(notify.UserGroup(profile.ID))
	conn.Join(notify.PresenceGroup)

	c.emit(ctx, notify.Event{
		Name:   EventPresenceConnected,
		Group:  notify.PresenceGroup,
		Except: conn.ID(),
		Payload: map[string]any{
			"connection_id":       conn.ID(),
			"user_id":             profile.ID,
			"was_offline":         reg.WasOffline,
			"current_connections": connectionList(reg.Entry.ConnectionIDs),
			"connect_time":        connectTime,
			"display_name":        profile.DisplayName,
			"account_type":        profile.AccountType,
			"email":               profile.Email,
			"phone":               profile.Phone,
		},
	})
	c.emit(ctx, notify.Event{
		Name:    userConnectedEvent(profile.ID),
		Group:   notify.UserPresenceGroup(profile.ID),
		Except:  conn.ID(),
		Payload: reg.Entry,
	})
	return reg.WasOffline, nil
}

// Disconnect cleans up after a dropped connection. It keeps going past
// individual failures and ignores cancellation of ctx.
func (c *Controller) Disconnect(ctx context.Context, connectionID string, profile presence.Profile) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "lifecycle.disconnect", trace.WithAttributes(
		attribute.String("connection.id", connectionID),
		attribute.String("user.id", profile.ID),
	))
	defer span.End()

	disconnectTime := c.now().UTC()
	un, unregErr := c.registry.Unregister(ctx, profile.ID, connectionID)
	if unregErr != nil {
		c.logger.Error("Presence unregister failed",
			"connection_id", connectionID, "user_id", profile.ID, "error", unregErr)
		span.RecordError(unregErr)
	} else if !un.StillOnline {
		c.recordLastSeen(ctx, profile.ID, presence.LastSeen{OfflineAt: &disconnectTime})
	}

	departures, err := c.calls.ForceLeaveAll(ctx, connectionID)
	if err != nil {
		c.logger.Error("Force leave incomplete", "connection_id", connectionID, "error", err)
		span.RecordError(err)
	}
	for _, d := range departures {
		c.forceLeaves.Add(ctx, 1, metric.WithAttributes(attribute.Bool("call_ended", d.CallEnded)))
		c.announceDeparture(ctx, d)
	}

	// The user's state is unknown when unregister failed, so nothing is
	// announced for it.
	if unregErr == nil {
		payload := map[string]any{
			"connection_id":       connectionID,
			"still_online":        un.StillOnline,
			"disconnect_time":     disconnectTime,
			"user_id":             profile.ID,
			"current_connections": connectionList(un.Entry.ConnectionIDs),
		}
		c.emit(ctx, notify.Event{
			Name:    EventPresenceDisconnected,
			Group:   notify.PresenceGroup,
			Except:  connectionID,
			Payload: payload,
		})
		c.emit(ctx, notify.Event{
			Name:    userDisconnectedEvent(profile.ID),
			Group:   notify.UserPresenceGroup(profile.ID),
			Except:  connectionID,
			Payload: payload,
		})
	}

	c.disconnects.Add(ctx, 1)
	c.logger.Info("Connection disconnected",
		"connection_id", connectionID, "user_id", profile.ID,
		"still_online", un.StillOnline, "calls_left", len(departures))
}

// LeaveCall removes connectionID from roomID and tells the rest of the
// room. A call that ends is deleted along with the removal. It returns nil
// when the connection was not in the call.
func (c *Controller) LeaveCall(ctx context.Context, roomID, connectionID string) (*call.LeaveResult, error) {
	d, err := c.calls.LeaveAndEnd(ctx, roomID, connectionID)
	if err != nil || d == nil {
		return nil, err
	}
	c.announceDeparture(ctx, *d)
	return &d.LeaveResult, nil
}

// announceDeparture notifies the remaining room members. Without a
// membership source it falls back to the connections left in the call.
func (c *Controller) announceDeparture(ctx context.Context, d call.Departure) {
	roomID, res := d.RoomID, d.LeaveResult
	targets, err := c.registry.ConnectionsForRoomMembers(ctx, roomID, res.UserID)
	if err != nil {
		if !errors.Is(err, presence.ErrNoMembershipSource) {
			c.logger.Warn("Room member lookup failed, notifying call participants only",
				"room_id", roomID, "error", err)
		}
		targets = d.Remaining
	}

	name := EventCallLeft
	if res.CallEnded {
		name = EventCallEnded
	}
	if len(targets) > 0 {
		c.emit(ctx, notify.Event{
			Name:        name,
			Connections: targets,
			Payload: map[string]any{
				"room_id":       roomID,
				"call_ended":    res.CallEnded,
				"call_kind":     res.Kind,
				"call_id":       res.CallID,
				"user_id":       res.UserID,
				"connection_id": res.ConnectionID,
			},
		})
	}
}

// SendToUser emits event to every live connection of userID. It reports
// false when the user is offline.
func (c *Controller) SendToUser(ctx context.Context, userID, event string, payload any) (bool, error) {
	entry, found, err := c.registry.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found || !entry.Online() {
		return false, nil
	}
	ev := notify.Event{Name: event, Connections: entry.ConnectionIDs, Payload: payload}
	if err := c.sink.Emit(ctx, ev); err != nil {
		return false, fmt.Errorf("send %s to user %s: %w", event, userID, err)
	}
	return true, nil
}

func (c *Controller) emit(ctx context.Context, ev notify.Event) {
	if err := c.sink.Emit(ctx, ev); err != nil {
		c.logger.Warn("Event delivery failed", "event", ev.Name, "error", err)
	}
}

func (c *Controller) recordLastSeen(ctx context.Context, userID string, seen presence.LastSeen) {
	if c.lastSeen == nil {
		return
	}
	if err := c.lastSeen.UpdateLastSeen(ctx, userID, seen); err != nil {
		c.logger.Warn("Last seen update failed", "user_id", userID, "error", err)
	}
}

func connectionList(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
