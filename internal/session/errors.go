package session

import (
	"errors"
	"fmt"
)

// UserError is an actionable misconfiguration. It becomes a structured
// client-visible error and never tears down the session.
type UserError struct {
	Message string
	// NoConsole suppresses the console echo for errors the client
	// already renders inline.
	NoConsole bool
}

func (e *UserError) Error() string { return e.Message }

func userErrorf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// internalErrorPrefix precedes unexpected failures echoed to the console.
const internalErrorPrefix = "Internal debugger error: "

// errDeferred is returned by handlers that will complete their response
// later; the router must not send one.
var errDeferred = errors.New("response deferred")
