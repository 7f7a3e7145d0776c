package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "switchboard:state:"

// Redis keeps the document as one JSON value in Redis so that every worker
// process on the host sees the same state. Mutations are optimistic
// WATCH/MULTI transactions retried until they commit, which makes Redis the
// single point that linearizes writers.
type Redis struct {
	client  *redis.Client
	key     string
	channel string

	// mu keeps goroutines of this process from invalidating each other's
	// WATCH; other processes are handled by the retry loop.
	mu sync.Mutex

	logger     *slog.Logger
	broadcast  bool
	maxRetries int
}

// NewRedis connects to redisURL and opens the document called name,
// creating it if no worker has done so yet.
func NewRedis(ctx context.Context, redisURL, name string, opts ...Option) (*Redis, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	store, err := NewRedisWithClient(ctx, client, name, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisWithClient opens the document on an existing client. Close closes
// the client.
func NewRedisWithClient(ctx context.Context, client *redis.Client, name string, opts ...Option) (*Redis, error) {
	o := buildOptions(opts)
	r := &Redis{
		client:     client,
		key:        keyPrefix + name,
		channel:    keyPrefix + name + ":changes",
		logger:     o.logger,
		broadcast:  o.broadcast,
		maxRetries: o.maxRetries,
	}
	if err := r.seed(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Redis) seed(ctx context.Context) error {
	data, err := json.Marshal(InitialDocument())
	if err != nil {
		return fmt.Errorf("encode initial document: %w", err)
	}
	if err := r.client.SetNX(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("seed document: %w", err)
	}
	return nil
}

// Key returns the Redis key holding the document.
func (r *Redis) Key() string {
	return r.key
}

func (r *Redis) load(ctx context.Context, get func(context.Context, string) *redis.StringCmd) (any, error) {
	raw, err := get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return InitialDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return root, nil
}

func (r *Redis) Get(ctx context.Context, path Path) (any, bool, error) {
	root, err := r.load(ctx, r.client.Get)
	if err != nil {
		return nil, false, err
	}
	v, ok := lookup(root, path)
	return v, ok, nil
}

func (r *Redis) Decode(ctx context.Context, path Path, dst any) (bool, error) {
	v, ok, err := r.Get(ctx, path)
	if err != nil || !ok {
		return false, err
	}
	if err := decodeInto(v, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, path Path, value any) error {
	return r.Update(ctx, setOp(path, value))
}

func (r *Redis) SetKey(ctx context.Context, path Path, key string, value any) error {
	return r.Update(ctx, setOp(path.Child(key), value))
}

func (r *Redis) Push(ctx context.Context, path Path, value any) error {
	return r.Update(ctx, pushOp(path, value))
}

func (r *Redis) RemoveFromArray(ctx context.Context, path Path, match Matcher) (bool, error) {
	var removed bool
	err := r.Update(ctx, func(tx *Tx) error {
		var err error
		removed, err = tx.Remove(path, match)
		return err
	})
	return removed, err
}

func (r *Redis) Delete(ctx context.Context, path Path) (bool, error) {
	var deleted bool
	err := r.Update(ctx, func(tx *Tx) error {
		deleted = tx.Delete(path)
		return nil
	})
	return deleted, err
}

func (r *Redis) Update(ctx context.Context, fn func(*Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	txf := func(rtx *redis.Tx) error {
		root, err := r.load(ctx, rtx.Get)
		if err != nil {
			return err
		}
		tx, err := apply(root, fn)
		if err != nil {
			return err
		}
		if !tx.Changed() {
			return nil
		}
		data, err := json.Marshal(tx.root)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		var events [][]byte
		if r.broadcast {
			for _, c := range tx.changes {
				payload, err := json.Marshal(c)
				if err != nil {
					return fmt.Errorf("encode change: %w", err)
				}
				events = append(events, payload)
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, data, 0)
			for _, payload := range events {
				pipe.Publish(ctx, r.channel, payload)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, r.key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		reportMismatch(r.logger, err)
		return err
	}
	r.logger.Warn("Shared document update gave up after retries", "key", r.key, "attempts", r.maxRetries)
	return fmt.Errorf("update %s: %w", r.key, ErrConflict)
}

// Subscribe listens on the document's change channel. Without broadcast the
// feed stays empty until ctx ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Change, error) {
	if !r.broadcast {
		return closedFeed(ctx), nil
	}
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					r.logger.Warn("Invalid shared document change", "error", err)
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
