package runner

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrSkipped is returned by a task that had nothing to act on. It is neither a
// success nor a failure.
var ErrSkipped = errors.New("task skipped")

// HTTPError represents an HTTP request failure with status details.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Reason reports the status code, which is the label failures are counted under.
func (e *HTTPError) Reason() string {
	return strconv.Itoa(e.StatusCode)
}

// FailureLogger logs failed tasks.
type FailureLogger interface {
	LogFailure(task string, err error)
}
