package sharedstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Top-level branches of the shared document.
const (
	BranchPresence = "presence"
	BranchRooms    = "rooms"
)

const (
	kindObject = "object"
	kindArray  = "array"
	kindScalar = "scalar"
	kindNull   = "null"
)

// Path addresses a node in the document. Array elements are addressed by
// their decimal index.
type Path []string

// P builds a Path from keys.
func P(keys ...string) Path {
	return Path(keys)
}

// Child returns a new path with key appended; p is never modified.
func (p Path) Child(key string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, key)
}

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// InitialDocument returns the empty document every store starts from.
func InitialDocument() map[string]any {
	return map[string]any{
		BranchPresence: map[string]any{},
		BranchRooms:    map[string]any{},
	}
}

// normalize converts an arbitrary Go value into plain document data
// (map[string]any, []any, string, float64, bool, nil).
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func decodeInto(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}

func clone(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return kindObject
	case []any:
		return kindArray
	case nil:
		return kindNull
	default:
		return kindScalar
	}
}

func lookup(root any, path Path) (any, bool) {
	cur := root
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			child, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// assign writes value at path below node and returns the (possibly new)
// node. Missing or null intermediates become objects.
func assign(node any, path Path, value any, op string, depth int) (any, error) {
	if depth == len(path) {
		return value, nil
	}
	key := path[depth]
	switch n := node.(type) {
	case nil:
		child, err := assign(nil, path, value, op, depth+1)
		if err != nil {
			return nil, err
		}
		return map[string]any{key: child}, nil
	case map[string]any:
		child, err := assign(n[key], path, value, op, depth+1)
		if err != nil {
			return nil, err
		}
		n[key] = child
		return n, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx > len(n) {
			return nil, fmt.Errorf("%s %s: index %q: %w", op, path[:depth+1], key, ErrInvalidPath)
		}
		if idx == len(n) {
			n = append(n, nil)
		}
		child, err := assign(n[idx], path, value, op, depth+1)
		if err != nil {
			return nil, err
		}
		n[idx] = child
		return n, nil
	default:
		return nil, &TypeMismatchError{Op: op, Path: path[:depth], Want: "container", Got: kindOf(node)}
	}
}

func setAt(root any, path Path, value any) (any, error) {
	return assign(root, path, value, "set", 0)
}

func pushAt(root any, path Path, value any) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("push %s: %w", path, ErrInvalidPath)
	}
	target, ok := lookup(root, path)
	if !ok || target == nil {
		return assign(root, path, []any{value}, "push", 0)
	}
	arr, isArray := target.([]any)
	if !isArray {
		return nil, &TypeMismatchError{Op: "push", Path: path, Want: kindArray, Got: kindOf(target)}
	}
	return assign(root, path, append(arr, value), "push", 0)
}

func removeAt(root any, path Path, m Matcher) (any, bool, error) {
	if len(path) == 0 {
		return root, false, fmt.Errorf("remove %s: %w", path, ErrInvalidPath)
	}
	target, ok := lookup(root, path)
	if !ok || target == nil {
		return root, false, nil
	}
	arr, isArray := target.([]any)
	if !isArray {
		return root, false, &TypeMismatchError{Op: "remove", Path: path, Want: kindArray, Got: kindOf(target)}
	}
	for i, elem := range arr {
		if !m.Match(elem) {
			continue
		}
		next := make([]any, 0, len(arr)-1)
		next = append(next, arr[:i]...)
		next = append(next, arr[i+1:]...)
		out, err := assign(root, path, next, "remove", 0)
		return out, err == nil, err
	}
	return root, false, nil
}

func deleteAt(root any, path Path) bool {
	if len(path) == 0 {
		return false
	}
	parent, ok := lookup(root, path[:len(path)-1])
	if !ok {
		return false
	}
	obj, isObject := parent.(map[string]any)
	if !isObject {
		return false
	}
	key := path[len(path)-1]
	if _, exists := obj[key]; !exists {
		return false
	}
	delete(obj, key)
	return true
}
