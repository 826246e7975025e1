package history

import "errors"

var (
	// ErrNilUpdate is returned when a nil update is pushed
	ErrNilUpdate = errors.New("update cannot be nil")
	// ErrEnded is returned when starting a history that has already ended
	ErrEnded = errors.New("history has ended")
	// ErrNilClient is returned when the Redis backend is built without a client
	ErrNilClient = errors.New("redis client cannot be nil")
)
