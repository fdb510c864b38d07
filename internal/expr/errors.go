package expr

import "errors"

// EvalError reports a failed evaluation, carrying the evaluator's own
// message (backend diagnostic or script error).
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string {
	return e.Message
}

// ErrHostClosed is returned when evaluating on a closed host.
var ErrHostClosed = errors.New("expression host closed")
