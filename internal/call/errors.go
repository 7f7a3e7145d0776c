package call

import "errors"

var (
	ErrInvalidRoomID       = errors.New("invalid room ID")
	ErrInvalidConnectionID = errors.New("invalid connection ID")
	ErrInvalidKind         = errors.New("invalid call kind")
	ErrCallInProgress      = errors.New("call already in progress")
)
