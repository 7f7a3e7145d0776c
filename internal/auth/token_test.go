package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"switchboard/internal/lifecycle"
	"switchboard/internal/presence"
)

func testClaims(subject string, ttl time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		PreferredUsername: "avery",
		UserType:          "editor",
		Email:             "avery@example.com",
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, testClaims("user-1", time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	profile := claims.Profile()
	if profile.ID != "user-1" || profile.DisplayName != "avery" || profile.AccountType != "editor" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestProfilePrefersPrimaryClaimNames(t *testing.T) {
	c := testClaims("u1", time.Hour)
	c.Name = "Avery Quinn"
	c.Role = "admin"
	p := c.Profile()
	if p.DisplayName != "Avery Quinn" || p.AccountType != "admin" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("secret")
	expired, _ := IssueToken(secret, testClaims("user-1", -time.Minute))
	otherKey, _ := IssueToken([]byte("other"), testClaims("user-1", time.Hour))
	noSubject, _ := IssueToken(secret, testClaims("", time.Hour))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "wrong key", token: otherKey, want: ErrInvalidToken},
		{name: "no subject", token: noSubject, want: ErrInvalidToken},
		{name: "garbage", token: "not.a.jwt", want: ErrInvalidToken},
		{name: "empty", token: "  ", want: ErrMissingToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseToken(secret, tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tc.want)
			}
		})
	}
}

type fakeConn struct {
	hs lifecycle.Handshake
}

func (f fakeConn) ID() string                         { return "c1" }
func (f fakeConn) Handshake() lifecycle.Handshake     { return f.hs }
func (f fakeConn) Join(string)                        {}
func (f fakeConn) OnDisconnect(func(context.Context)) {}

type fakeUsers struct {
	lookupFn func(ctx context.Context, userID string) (*presence.Profile, error)
}

func (f *fakeUsers) LookupProfile(ctx context.Context, userID string) (*presence.Profile, error) {
	return f.lookupFn(ctx, userID)
}

func TestResolverFromClaims(t *testing.T) {
	secret := []byte("secret")
	token, _ := IssueToken(secret, testClaims("u1", time.Hour))

	r := NewResolver(secret, nil)
	profile, err := r.ResolveIdentity(context.Background(), fakeConn{hs: lifecycle.Handshake{"authorization": "Bearer " + token}})
	if err != nil || profile == nil || profile.ID != "u1" {
		t.Fatalf("ResolveIdentity() = %+v, %v", profile, err)
	}
}

func TestResolverMergesStoredProfile(t *testing.T) {
	secret := []byte("secret")
	token, _ := IssueToken(secret, testClaims("u1", time.Hour))
	users := &fakeUsers{lookupFn: func(_ context.Context, id string) (*presence.Profile, error) {
		return &presence.Profile{ID: id, DisplayName: "Avery Q."}, nil
	}}

	profile, err := NewResolver(secret, users).ResolveIdentity(context.Background(), fakeConn{hs: lifecycle.Handshake{"token": token}})
	if err != nil {
		t.Fatalf("ResolveIdentity() error = %v", err)
	}
	if profile.DisplayName != "Avery Q." || profile.AccountType != "editor" || profile.Email != "avery@example.com" {
		t.Fatalf("unexpected merged profile: %+v", profile)
	}
}

func TestResolverErrors(t *testing.T) {
	secret := []byte("secret")
	token, _ := IssueToken(secret, testClaims("u1", time.Hour))

	_, err := NewResolver(secret, nil).ResolveIdentity(context.Background(), fakeConn{})
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Code != "missing_token" || authErr.PublicMessage() == "" {
		t.Fatalf("expected missing_token error, got %v", err)
	}

	gone := &fakeUsers{lookupFn: func(context.Context, string) (*presence.Profile, error) { return nil, nil }}
	profile, err := NewResolver(secret, gone).ResolveIdentity(context.Background(), fakeConn{hs: lifecycle.Handshake{"token": token}})
	if err != nil || profile != nil {
		t.Fatalf("expected nil profile for unknown user, got %+v, %v", profile, err)
	}

	boom := errors.New("db down")
	broken := &fakeUsers{lookupFn: func(context.Context, string) (*presence.Profile, error) { return nil, boom }}
	if _, err := NewResolver(secret, broken).ResolveIdentity(context.Background(), fakeConn{hs: lifecycle.Handshake{"token": token}}); !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
