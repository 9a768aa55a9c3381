package directory

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrTooFewParticipants = errors.New("at least 2 participants are required")
	ErrForbidden          = errors.New("cannot list rooms of another user")
	ErrInvalidAction      = errors.New(`action must be "create"`)
)

// StatusError is returned by Client when the directory answers with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("directory: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("directory: %d %s", e.StatusCode, e.Body)
}
