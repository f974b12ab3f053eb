package storage

import "errors"

// ErrInvalidTurn is returned by RecordTurn for a nil turn or one without a
// conversation id.
var ErrInvalidTurn = errors.New("turn must reference a conversation")

// NotFoundError is returned when a conversation doesn't exist in the store.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return "conversation not found"
	}

	return "conversation not found: " + e.ID
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
