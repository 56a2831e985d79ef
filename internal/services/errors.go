package services

import (
	"errors"
	"fmt"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

var (
	// ErrNoStream is returned when a streaming request gets a response without a body.
	ErrNoStream = errors.New("expected a stream in the response but did not receive one")
	// ErrNoToken is returned by history calls that require a bearer token when none is configured.
	ErrNoToken = errors.New("token is missing")
)

const errLoggerKey = "err"

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}
