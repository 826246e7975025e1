package hub

import (
	"errors"

	"github.com/rmacdonaldsmith/mercurehub/internal/subscriber"
	"github.com/rmacdonaldsmith/mercurehub/pkg/update"
)

var (
	// ErrNotListening is returned when the hub is not in the listening state
	ErrNotListening = errors.New("hub is not listening")
	// ErrEnded is returned when starting a hub that has ended
	ErrEnded = errors.New("hub has ended")

	// ErrForbidden is returned for requests carrying no claims where claims are required
	ErrForbidden = errors.New("forbidden")
	// ErrTargetNotAuthorized is returned when a publisher targets outside its scope
	ErrTargetNotAuthorized = errors.New("target not authorized")
)

// Validation errors, rejected before anything is registered or appended
var (
	ErrMissingTopic  = errors.New(`missing "topic" parameter`)
	ErrMissingData   = errors.New(`missing "data" parameter`)
	ErrInvalidRetry  = errors.New(`invalid "retry" parameter`)
	ErrInvalidID     = errors.New(`invalid "id" parameter`)
	ErrInvalidType   = errors.New(`invalid "type" parameter`)
	ErrTooManyTopics = errors.New("exceeded topic limit")
)

// IsValidation reports whether err is a request validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingTopic) ||
		errors.Is(err, ErrMissingData) ||
		errors.Is(err, ErrInvalidRetry) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrTooManyTopics) ||
		errors.Is(err, subscriber.ErrInvalidTopic) ||
		errors.Is(err, update.ErrNoTopics) ||
		errors.Is(err, update.ErrNegativeRetry) ||
		errors.Is(err, update.ErrLineBreak)
}
