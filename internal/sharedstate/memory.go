package sharedstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Memory keeps the document in process. All writers share one lock, which
// is enough when every worker is a goroutine of the same process.
type Memory struct {
	mu   sync.RWMutex
	root any

	logger    *slog.Logger
	broadcast bool

	subsMu sync.Mutex
	subs   map[chan Change]struct{}
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		root:      InitialDocument(),
		logger:    o.logger,
		broadcast: o.broadcast,
		subs:      make(map[chan Change]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, path Path) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := lookup(m.root, path)
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (m *Memory) Decode(_ context.Context, path Path, dst any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := lookup(m.root, path)
	if !ok {
		return false, nil
	}
	if err := decodeInto(v, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (m *Memory) Set(ctx context.Context, path Path, value any) error {
	return m.Update(ctx, setOp(path, value))
}

func (m *Memory) SetKey(ctx context.Context, path Path, key string, value any) error {
	return m.Update(ctx, setOp(path.Child(key), value))
}

func (m *Memory) Push(ctx context.Context, path Path, value any) error {
	return m.Update(ctx, pushOp(path, value))
}

func (m *Memory) RemoveFromArray(ctx context.Context, path Path, match Matcher) (bool, error) {
	var removed bool
	err := m.Update(ctx, func(tx *Tx) error {
		var err error
		removed, err = tx.Remove(path, match)
		return err
	})
	return removed, err
}

func (m *Memory) Delete(ctx context.Context, path Path) (bool, error) {
	var deleted bool
	err := m.Update(ctx, func(tx *Tx) error {
		deleted = tx.Delete(path)
		return nil
	})
	return deleted, err
}

func (m *Memory) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	tx, err := apply(m.root, fn)
	if err != nil {
		m.mu.Unlock()
		reportMismatch(m.logger, err)
		return err
	}
	if tx.Changed() {
		m.root = tx.root
	}
	m.mu.Unlock()

	m.publish(tx.changes)
	return nil
}

// Subscribe returns the change feed. Slow subscribers miss changes rather
// than stalling writers.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Change, error) {
	if !m.broadcast {
		return closedFeed(ctx), nil
	}
	ch := make(chan Change, 64)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Memory) publish(changes []Change) {
	if !m.broadcast || len(changes) == 0 {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (m *Memory) Close() error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	return nil
}
