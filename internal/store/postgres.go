package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"switchboard/internal/presence"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var (
		user         User
		email, phone sql.NullString
		online       sql.NullTime
		offline      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, account_type, email, phone, active, deleted,
		       last_online, last_offline, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(
		&user.ID, &user.DisplayName, &user.AccountType, &email, &phone,
		&user.Active, &user.Deleted, &online, &offline, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	user.Email = email.String
	user.Phone = phone.String
	if online.Valid {
		user.LastOnline = &online.Time
	}
	if offline.Valid {
		user.LastOffline = &offline.Time
	}
	return user, nil
}

// LookupProfile returns nil for users that are missing, deactivated or
// deleted.
func (s *PostgresStore) LookupProfile(ctx context.Context, userID string) (*presence.Profile, error) {
	user, err := s.GetUserByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.Active || user.Deleted {
		return nil, nil
	}
	profile := user.Profile()
	return &profile, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, account_type, email, phone, active, deleted)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			account_type = EXCLUDED.account_type,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			active = EXCLUDED.active,
			deleted = EXCLUDED.deleted,
			updated_at = NOW()
	`, user.ID, user.DisplayName, user.AccountType, user.Email, user.Phone, user.Active, user.Deleted)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen writes whichever of the timestamps is set.
func (s *PostgresStore) UpdateLastSeen(ctx context.Context, userID string, seen presence.LastSeen) error {
	if seen.OnlineAt == nil && seen.OfflineAt == nil {
		return nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			last_online = COALESCE($2::timestamptz, last_online),
			last_offline = COALESCE($3::timestamptz, last_offline),
			updated_at = NOW()
		WHERE id = $1
	`, userID, seen.OnlineAt, seen.OfflineAt)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last seen rows: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messaging_rooms (id, name, deleted) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, deleted = EXCLUDED.deleted
	`, room.ID, room.Name, room.Deleted)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO UPDATE SET deleted = FALSE
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_members SET deleted = TRUE WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove room member: %w", err)
	}
	return nil
}

// MembersOf lists the active members of a room that has not been deleted.
func (s *PostgresStore) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id
		FROM room_members m
		JOIN messaging_rooms r ON r.id = m.room_id
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		  AND r.deleted = FALSE
		  AND m.deleted = FALSE
		  AND u.active = TRUE
		  AND u.deleted = FALSE
		ORDER BY m.joined_at, m.user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
