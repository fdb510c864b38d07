package backend

import "errors"

// ErrUnknownBackend is returned by Open for an unregistered backend name.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrNoProcess is returned by operations that require a live inferior.
var ErrNoProcess = errors.New("no process")

// ErrNotSupported is returned by backends for operations they cannot
// perform (e.g. reverse execution without a recording target).
var ErrNotSupported = errors.New("operation not supported by backend")
