package adapter

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth one retry: connection resets,
// 5xx responses, timeouts. Everything else from an adapter should be a
// BusinessError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BusinessError is a domain rejection from the provider (4xx, validation
// failure, permission denied). Never retried; the detail string is
// preserved verbatim on the action record for audit.
type BusinessError struct {
	Code   string // provider error code, e.g. "channel_not_found"
	Detail string // verbatim provider detail
}

func (e *BusinessError) Error() string {
	if e.Code == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Business builds a BusinessError.
func Business(code, detail string) error {
	return &BusinessError{Code: code, Detail: detail}
}

// IsBusiness reports whether err is (or wraps) a BusinessError.
func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// ErrInvalidGrant is returned by Refresh when the provider rejects the
// refresh token (revoked or expired grant). The lifecycle manager marks
// the connection revoked and stops auto-retrying.
var ErrInvalidGrant = errors.New("invalid_grant")
