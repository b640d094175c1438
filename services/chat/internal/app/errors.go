package app

import "errors"

// Errors returned by event and query handlers. Their messages are safe to
// show to the client that caused them.
var (
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrNotJoined       = errors.New("join required before other events")
	ErrForbidden       = errors.New("forbidden")
	ErrUnknownUser     = errors.New("unknown user")
	ErrMessageNotFound = errors.New("message not found")
	ErrRateLimited     = errors.New("too many messages, slow down")
	ErrUpload          = errors.New("attachment upload failed")
	ErrPersistence     = errors.New("message could not be saved")
	ErrUnknownEvent    = errors.New("unknown event type")
)

var publicErrors = []error{
	ErrInvalidPayload,
	ErrNotJoined,
	ErrForbidden,
	ErrUnknownUser,
	ErrMessageNotFound,
	ErrRateLimited,
	ErrUpload,
	ErrPersistence,
	ErrUnknownEvent,
}

// PublicReason returns the text sent to a client for err. Errors outside the
// exported set are reported generically.
func PublicReason(err error) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "internal error"
}
