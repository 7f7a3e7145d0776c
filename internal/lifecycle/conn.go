package lifecycle

import (
	"context"
	"strings"
)

// Conn is the transport's view of one live connection.
type Conn interface {
	ID() string
	Handshake() Handshake
	Join(group string)
	// OnDisconnect registers fn to run once the connection is gone.
	OnDisconnect(fn func(ctx context.Context))
}

// Handshake is the auth metadata a client sends when it connects.
type Handshake map[string]string

func (h Handshake) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Scope returns the caller's scope tag, read from x-app then x-scope.
func (h Handshake) Scope() string {
	if v := h.Get("x-app"); v != "" {
		return v
	}
	return h.Get("x-scope")
}

// Token returns the bearer token from "token" or "authorization".
func (h Handshake) Token() string {
	if v := h.Get("token"); v != "" {
		return v
	}
	v := strings.TrimSpace(h.Get("authorization"))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
