package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrScopeRejected        = errors.New("scope rejected")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("presence registration failed")
	ErrMissingDependency    = errors.New("missing lifecycle dependency")
)

const (
	reasonWrongScope      = "region Access 'x-app' parameter is not for this section of the api"
	reasonMissingScope    = "region Access 'x-app' parameter is not provided in auth data"
	reasonUserNotFound    = "user not found"
	reasonUnauthenticated = "unauthenticated user"
)

type RejectionKind string

const (
	RejectScope          RejectionKind = "scope"
	RejectAuthentication RejectionKind = "authentication"
)

// Rejection is returned by Admit when a connection must be refused. Reason
// is safe to show to the client.
type Rejection struct {
	Kind   RejectionKind
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s rejected: %s: %v", r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s rejected: %s", r.Kind, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrScopeRejected:
		return r.Kind == RejectScope
	case ErrAuthenticationFailed:
		return r.Kind == RejectAuthentication
	default:
		return false
	}
}

type publicMessager interface {
	PublicMessage() string
}

// authReason picks the message shown to a client whose identity could not
// be resolved.
func authReason(err error) string {
	if err == nil {
		return reasonUserNotFound
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if pm, ok := e.(publicMessager); ok {
			if msg := pm.PublicMessage(); msg != "" {
				return msg
			}
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return reasonUnauthenticated
}
