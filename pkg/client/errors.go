package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrIllegalURL is returned when the initial check of a URL does not succeed.
	ErrIllegalURL = errors.New("url is illegal")
	// ErrRangeNotSupported is returned when a ranged request is answered with the full entity.
	ErrRangeNotSupported = errors.New("server does not support range requests")

	errInvalidContentRange = errors.New("invalid content range")
)

type HTTPStatusError struct {
	StatusCode int
}

func ErrUnexpectedHTTPStatus(statusCode int) error {
	return &HTTPStatusError{StatusCode: statusCode}
}

var _ error = &HTTPStatusError{}

func (c *HTTPStatusError) Error() string {
	return fmt.Sprintf("status code %d", c.StatusCode)
}

// NetworkError is a transport failure that survived every retry. Causes holds one
// entry per failed attempt, oldest first.
type NetworkError struct {
	URL    string
	Causes *multierror.Error
}

func (e *NetworkError) Error() string {
	attempts := len(e.Causes.Errors)
	last := e.Causes.Errors[attempts-1]
	return fmt.Sprintf("network error for %s after %d attempt(s): %v", e.URL, attempts, last)
}

func (e *NetworkError) Unwrap() error {
	return e.Causes
}

type causesKey struct{}

// attemptCauses collects the failures of the attempts of a single request.
type attemptCauses struct {
	mu     sync.Mutex
	causes *multierror.Error
}

func withCauses(ctx context.Context, c *attemptCauses) context.Context {
	return context.WithValue(ctx, causesKey{}, c)
}

func causesFromContext(ctx context.Context) *attemptCauses {
	c, _ := ctx.Value(causesKey{}).(*attemptCauses)
	return c
}

func (c *attemptCauses) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.causes = multierror.Append(c.causes, err)
}

// networkError builds the error returned once the retry budget is spent. final is
// the error handed back by the retrying client; it is only appended when no
// attempt was recorded.
func (c *attemptCauses) networkError(url string, final error) *NetworkError {
	c.mu.Lock()
	defer c.mu.Unlock()
	causes := c.causes
	if causes == nil || len(causes.Errors) == 0 {
		causes = multierror.Append(causes, final)
	}
	return &NetworkError{URL: url, Causes: causes}
}
