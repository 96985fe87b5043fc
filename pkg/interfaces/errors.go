package interfaces

import "errors"

// Store-level sentinels. The directory and auth layers translate these into
// the client-facing error taxonomy.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrClassNotFound = errors.New("class not found")
	ErrDuplicateRoom = errors.New("room already exists for participant pair")
)
