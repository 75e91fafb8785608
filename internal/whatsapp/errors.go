package whatsapp

import (
	"errors"
	"fmt"
)

// ErrorClass splits provider failures into the two retry policies.
type ErrorClass int

const (
	// Transient covers network timeouts, 5xx and provider rate limiting;
	// eligible for bounded retry.
	Transient ErrorClass = iota
	// Permanent covers invalid recipients, rejected templates and policy
	// violations; never retried.
	Permanent
)

func (c ErrorClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// SendError is a classified provider failure.
type SendError struct {
	Class      ErrorClass
	StatusCode int
	Code       int // provider error code, when present
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("whatsapp send: %s (http %d, code %d): %s", e.Class, e.StatusCode, e.Code, e.Message)
}

// ClassOf classifies any error from a send attempt. Errors that are not
// SendErrors (dial failures, timeouts, cancelled contexts) are transient: the
// request may never have reached the provider.
func ClassOf(err error) ErrorClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return Transient
}

// IsPermanent reports whether err should fail the message immediately.
func IsPermanent(err error) bool {
	return ClassOf(err) == Permanent
}

func classifyStatus(status int) ErrorClass {
	if status == 429 || status >= 500 {
		return Transient
	}
	return Permanent
}
