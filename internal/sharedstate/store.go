// Package sharedstate holds the document shared by every worker of a host:
// presence entries and call sessions, addressed by path and mutated only
// through atomic operations.
package sharedstate

import (
	"context"
	"errors"
	"log/slog"
)

// Store is a path-addressed document with atomic mutations. Reads return
// snapshots; a Get followed by a Set is not atomic, use Update for that.
type Store interface {
	Get(ctx context.Context, path Path) (any, bool, error)
	Decode(ctx context.Context, path Path, dst any) (bool, error)
	Set(ctx context.Context, path Path, value any) error
	SetKey(ctx context.Context, path Path, key string, value any) error
	Push(ctx context.Context, path Path, value any) error
	RemoveFromArray(ctx context.Context, path Path, m Matcher) (bool, error)
	Delete(ctx context.Context, path Path) (bool, error)
	Update(ctx context.Context, fn func(*Tx) error) error
	Subscribe(ctx context.Context) (<-chan Change, error)
	Close() error
}

type options struct {
	logger     *slog.Logger
	broadcast  bool
	maxRetries int
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger used to report aborted mutations.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBroadcast enables the change feed returned by Subscribe.
func WithBroadcast(enabled bool) Option {
	return func(o *options) { o.broadcast = enabled }
}

// WithMaxRetries bounds optimistic retries on the Redis backend.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		maxRetries: 100,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// reportMismatch logs a type mismatch: it means the document shape is
// corrupt, not that the caller raced someone.
func reportMismatch(logger *slog.Logger, err error) {
	var mismatch *TypeMismatchError
	if errors.As(err, &mismatch) {
		logger.Error("Shared document mutation aborted",
			"op", mismatch.Op,
			"path", mismatch.Path.String(),
			"want", mismatch.Want,
			"found", mismatch.Got,
		)
	}
}

func setOp(path Path, value any) func(*Tx) error {
	return func(tx *Tx) error { return tx.Set(path, value) }
}

func pushOp(path Path, value any) func(*Tx) error {
	return func(tx *Tx) error { return tx.Push(path, value) }
}

func closedFeed(ctx context.Context) <-chan Change {
	ch := make(chan Change)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
