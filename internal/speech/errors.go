package speech

import "fmt"

// StatusError reports a non-200 answer from the synthesis service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("speech: status code %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }
