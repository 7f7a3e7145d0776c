package sharedstate

import "fmt"

// Op names a mutation kind in a Change.
type Op string

const (
	OpSet    Op = "set"
	OpPush   Op = "push"
	OpRemove Op = "remove"
	OpDelete Op = "delete"
)

// Change describes one committed mutation. Changes are only published by
// stores built WithBroadcast.
type Change struct {
	Op    Op   `json:"op"`
	Path  Path `json:"path"`
	Value any  `json:"value,omitempty"`
}

// Tx is a working copy of the document handed to Update callbacks. Every
// operation applied to it commits together or not at all.
//
// The callback may run more than once when another writer wins a race, so
// it must derive all of its results from the Tx it is given.
type Tx struct {
	root    any
	changes []Change
}

func newTx(root any) *Tx {
	return &Tx{root: clone(root)}
}

func (tx *Tx) Get(path Path) (any, bool) {
	v, ok := lookup(tx.root, path)
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Decode copies the value at path into dst. It reports false, leaving dst
// untouched, when nothing is stored there.
func (tx *Tx) Decode(path Path, dst any) (bool, error) {
	v, ok := lookup(tx.root, path)
	if !ok {
		return false, nil
	}
	if err := decodeInto(v, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (tx *Tx) Set(path Path, value any) error {
	n, err := normalize(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	root, err := setAt(tx.root, path, n)
	if err != nil {
		return err
	}
	tx.root = root
	tx.record(OpSet, path, n)
	return nil
}

func (tx *Tx) SetKey(path Path, key string, value any) error {
	return tx.Set(path.Child(key), value)
}

func (tx *Tx) Push(path Path, value any) error {
	n, err := normalize(value)
	if err != nil {
		return fmt.Errorf("push %s: %w", path, err)
	}
	root, err := pushAt(tx.root, path, n)
	if err != nil {
		return err
	}
	tx.root = root
	tx.record(OpPush, path, n)
	return nil
}

// Remove drops the first element of the array at path matched by m.
func (tx *Tx) Remove(path Path, m Matcher) (bool, error) {
	root, removed, err := removeAt(tx.root, path, m)
	if err != nil {
		return false, err
	}
	if removed {
		tx.root = root
		tx.record(OpRemove, path, nil)
	}
	return removed, nil
}

// Delete removes the map key addressed by path.
func (tx *Tx) Delete(path Path) bool {
	if !deleteAt(tx.root, path) {
		return false
	}
	tx.record(OpDelete, path, nil)
	return true
}

// Changed reports whether any mutation was applied.
func (tx *Tx) Changed() bool {
	return len(tx.changes) > 0
}

func (tx *Tx) record(op Op, path Path, value any) {
	tx.changes = append(tx.changes, Change{Op: op, Path: append(Path(nil), path...), Value: clone(value)})
}

func apply(root any, fn func(*Tx) error) (*Tx, error) {
	tx := newTx(root)
	if err := fn(tx); err != nil {
		return nil, err
	}
	return tx, nil
}
