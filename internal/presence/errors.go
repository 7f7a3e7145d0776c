package presence

import "errors"

var (
	ErrInvalidUserID       = errors.New("invalid user ID")
	ErrInvalidConnectionID = errors.New("invalid connection ID")
	ErrNoMembershipSource  = errors.New("no room membership source configured")
)
