package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"switchboard/internal/presence"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SWITCHBOARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SWITCHBOARD_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected migrations to be applied")
	}
	again, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil || len(again) != 0 {
		t.Fatalf("second ApplyMigrations() = %v, %v; want nothing applied", again, err)
	}

	downs, err := migrationFiles(migrationsDir, ".down.sql")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	for i := len(downs) - 1; i >= 0; i-- {
		body, err := os.ReadFile(downs[i])
		if err != nil {
			t.Fatalf("read %s: %v", downs[i], err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			t.Fatalf("apply %s: %v", downs[i], err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresPresenceQueries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	users := []User{
		{ID: "u1", DisplayName: "Avery", AccountType: "member", Email: "avery@example.com", Active: true},
		{ID: "u2", DisplayName: "Blake", AccountType: "member", Active: true},
		{ID: "u3", DisplayName: "Casey", AccountType: "member", Active: false},
		{ID: "u4", DisplayName: "Drew", AccountType: "member", Active: true, Deleted: true},
		{ID: "u5", DisplayName: "Emery", AccountType: "member", Active: true},
	}
	for _, u := range users {
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser(%s) error = %v", u.ID, err)
		}
	}
	if err := s.CreateRoom(ctx, Room{ID: "r1", Name: "general"}); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if err := s.CreateRoom(ctx, Room{ID: "gone", Name: "old", Deleted: true}); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		if err := s.AddRoomMember(ctx, "r1", id); err != nil {
			t.Fatalf("AddRoomMember(%s) error = %v", id, err)
		}
	}
	_ = s.AddRoomMember(ctx, "gone", "u1")
	if err := s.RemoveRoomMember(ctx, "r1", "u5"); err != nil {
		t.Fatalf("RemoveRoomMember() error = %v", err)
	}

	members, err := s.MembersOf(ctx, "r1")
	if err != nil {
		t.Fatalf("MembersOf() error = %v", err)
	}
	if strings.Join(members, ",") != "u1,u2" {
		t.Fatalf("MembersOf(r1) = %v, want [u1 u2]", members)
	}
	if members, _ := s.MembersOf(ctx, "gone"); len(members) != 0 {
		t.Fatalf("deleted room returned members %v", members)
	}

	profile, err := s.LookupProfile(ctx, "u1")
	if err != nil || profile == nil || profile.Email != "avery@example.com" {
		t.Fatalf("LookupProfile(u1) = %+v, %v", profile, err)
	}
	for _, id := range []string{"u3", "u4", "missing"} {
		if p, err := s.LookupProfile(ctx, id); err != nil || p != nil {
			t.Fatalf("LookupProfile(%s) = %+v, %v; want nil", id, p, err)
		}
	}

	online := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateLastSeen(ctx, "u1", presenceOnline(online)); err != nil {
		t.Fatalf("UpdateLastSeen(online) error = %v", err)
	}
	offline := online.Add(time.Minute)
	if err := s.UpdateLastSeen(ctx, "u1", presenceOffline(offline)); err != nil {
		t.Fatalf("UpdateLastSeen(offline) error = %v", err)
	}
	user, err := s.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if user.LastOnline == nil || !user.LastOnline.Equal(online) || user.LastOffline == nil || !user.LastOffline.Equal(offline) {
		t.Fatalf("unexpected timestamps: online=%v offline=%v", user.LastOnline, user.LastOffline)
	}
	if err := s.UpdateLastSeen(ctx, "missing", presenceOnline(online)); err != ErrUserNotFound {
		t.Fatalf("UpdateLastSeen(missing) error = %v, want ErrUserNotFound", err)
	}
}

func presenceOnline(at time.Time) presence.LastSeen {
	return presence.LastSeen{OnlineAt: &at}
}

func presenceOffline(at time.Time) presence.LastSeen {
	return presence.LastSeen{OfflineAt: &at}
}
