package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Authentication failures. They reach callers unwrapped or wrapped with errors.Wrap.
var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrStepUpRequired = errors.New("additional verification required")
	ErrProtocol       = errors.New("provider protocol error")
)

// Resolver failures.
var (
	ErrNoConnections      = errors.New("account does not follow any patients")
	ErrConnectionNotFound = errors.New("connection not found")
)

// Ingest failure kinds, matched through IngestError.Is.
var (
	ErrTransient         = errors.New("transient failure")
	ErrMalformedResponse = errors.New("malformed response")
)

// IngestError classifies a fetch failure as transient or malformed.
type IngestError struct {
	Kind error
	Op   string
	Err  error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

func (e *IngestError) Is(target error) bool { return target == e.Kind }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &IngestError{Kind: ErrTransient, Op: op, Err: err}
}

// Malformed wraps err as a decode or shape failure.
func Malformed(op string, err error) error {
	return &IngestError{Kind: ErrMalformedResponse, Op: op, Err: err}
}

// APIError is a non-success provider status that is neither an auth nor a server failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}
