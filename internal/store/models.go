package store

import (
	"errors"
	"time"

	"switchboard/internal/presence"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID          string
	DisplayName string
	AccountType string
	Email       string
	Phone       string
	Active      bool
	Deleted     bool
	LastOnline  *time.Time
	LastOffline *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (u User) Profile() presence.Profile {
	return presence.Profile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AccountType: u.AccountType,
		Email:       u.Email,
		Phone:       u.Phone,
	}
}

type Room struct {
	ID        string
	Name      string
	Deleted   bool
	CreatedAt time.Time
}
