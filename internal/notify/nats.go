package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject carries lifecycle events between workers.
const DefaultSubject = "switchboard.events"

// Publisher is the part of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the part of *nats.Conn used by Relay.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSink publishes events on one subject. Every worker runs a Relay on
// that subject, so a connection receives the event whichever worker holds
// it.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Emit(_ context.Context, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Name, err)
	}
	return nil
}

// Relay subscribes without a queue group so that every worker sees every
// event, and hands each one to d.
func Relay(sub Subscriber, subject string, d Deliverer, logger *slog.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("Invalid relayed event", "subject", msg.Subject, "error", err)
			return
		}
		if err := ev.validate(); err != nil {
			logger.Warn("Dropping relayed event", "event", ev.Name, "error", err)
			return
		}
		d.Deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return s, nil
}

type ConnectOptions struct {
	URL      string
	User     string
	Password string
	Name     string
	Attempts int
}

// Connect dials NATS, retrying while the broker comes up.
func Connect(ctx context.Context, opts ConnectOptions, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 30
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err := nats.Connect(opts.URL, natsOpts...)
		if err == nil {
			logger.Info("Connected to NATS", "url", opts.URL)
			return nc, nil
		}
		lastErr = err
		logger.Info("Waiting for NATS", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect to nats: %w", lastErr)
}
