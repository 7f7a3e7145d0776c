package auth

import (
	"context"
	"errors"
	"fmt"

	"switchboard/internal/lifecycle"
	"switchboard/internal/presence"
)

// Error is an authentication failure with a message safe to send to the
// client.
type Error struct {
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) PublicMessage() string {
	return e.Msg
}

// UserLookup loads the stored profile of an active user. It returns nil
// when the user does not exist or has been deactivated.
type UserLookup interface {
	LookupProfile(ctx context.Context, userID string) (*presence.Profile, error)
}

// Resolver authenticates a connection from the JWT in its handshake.
type Resolver struct {
	secret []byte
	users  UserLookup
}

// NewResolver returns a Resolver. With a nil users lookup the profile is
// built from the token claims alone.
func NewResolver(secret []byte, users UserLookup) *Resolver {
	return &Resolver{secret: secret, users: users}
}

func (r *Resolver) ResolveIdentity(ctx context.Context, conn lifecycle.Conn) (*presence.Profile, error) {
	claims, err := ParseToken(r.secret, conn.Handshake().Token())
	if err != nil {
		return nil, tokenError(err)
	}
	profile := claims.Profile()
	if r.users == nil {
		return &profile, nil
	}

	stored, err := r.users.LookupProfile(ctx, profile.ID)
	if err != nil {
		return nil, &Error{Code: "lookup_failed", Msg: "unable to load user", Err: err}
	}
	if stored == nil {
		return nil, nil
	}
	merged := *stored
	if merged.DisplayName == "" {
		merged.DisplayName = profile.DisplayName
	}
	if merged.AccountType == "" {
		merged.AccountType = profile.AccountType
	}
	if merged.Email == "" {
		merged.Email = profile.Email
	}
	if merged.Phone == "" {
		merged.Phone = profile.Phone
	}
	return &merged, nil
}

func tokenError(err error) *Error {
	switch {
	case errors.Is(err, ErrMissingToken):
		return &Error{Code: "missing_token", Msg: "authentication token is required", Err: err}
	case errors.Is(err, ErrExpiredToken):
		return &Error{Code: "expired_token", Msg: "authentication token has expired", Err: err}
	default:
		return &Error{Code: "invalid_token", Msg: "invalid authentication token", Err: err}
	}
}
