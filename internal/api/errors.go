package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRetriesExhausted marks a request that failed on every allowed attempt.
var ErrRetriesExhausted = errors.New("scan request retries exhausted")

// Error is a request failure that cannot be absorbed by the caller.
// op is the failing step, Err the last underlying cause.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Attempts   int
	Body       string
	Exhausted  bool
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.URL)
	if e.Exhausted {
		fmt.Fprintf(&b, ": failed after %d attempts", e.Attempts)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
		if body := strings.TrimSpace(e.Body); body != "" {
			fmt.Fprintf(&b, ", %s", truncate(body, 200))
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.Exhausted && target == ErrRetriesExhausted
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d", e.code)
}

var errEmptyResponse = errors.New("empty response")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
