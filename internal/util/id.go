package util

import "github.com/segmentio/ksuid"

// NewID returns a time-ordered unique id, optionally prefixed with
// "<prefix>_".
func NewID(prefix string) string {
	id := ksuid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
