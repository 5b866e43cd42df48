package permissions

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when the permissions service URL is not set.
var ErrConfiguration = errors.New("permissions: service url is not configured")

// UpstreamError is returned when the permissions service answers with a
// status other than 200. It means the decision could not be made, which is
// different from a denial.
type UpstreamError struct {
	StatusCode int
	EntityType string
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("permissions: status %d received from permissions service for entity type %q", e.StatusCode, e.EntityType)
}

// MalformedResponseError is returned when a 200 response body does not match
// the permissions response schema.
type MalformedResponseError struct {
	EntityType string
	Reason     string
	Err        error
}

func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("permissions: malformed response for entity type %q: %s", e.EntityType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
