package mailbox

import (
	"errors"
	"strconv"

	"github.com/ehrlich-b/wingbridge/internal/auth"
)

// ConnectivityError is a failure to reach the mailbox: network errors, 5xx
// and 429 responses. Always transient.
type ConnectivityError struct {
	Op     string
	Status int
	Err    error
}

func (e *ConnectivityError) Error() string {
	s := "mailbox " + e.Op + ": unreachable"
	if e.Status != 0 {
		s += " (" + strconv.Itoa(e.Status) + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// UnauthorizedError is a 401/403 from the mailbox. The client handles it by
// refreshing once; callers only see it wrapped into an auth.AuthError.
type UnauthorizedError struct {
	Status int
}

func (e *UnauthorizedError) Error() string {
	return "mailbox: unauthorized (" + strconv.Itoa(e.Status) + ")"
}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// transient reports errors worth retrying: connectivity, and identity
// provider outages during a refresh.
func transient(err error) bool {
	if IsConnectivity(err) {
		return true
	}
	var ae *auth.AuthError
	return errors.As(err, &ae) && ae.Retryable
}

// IsFatal reports errors that end a subscription or halt the daemon.
func IsFatal(err error) bool {
	return auth.IsFatal(err) || errors.Is(err, auth.ErrNotLoggedIn)
}
