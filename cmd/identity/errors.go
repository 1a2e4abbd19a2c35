package identity

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated means the request carried no usable credentials.
// It is the only error a Provider returns for bad input; details stay server-side.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrConfig reports an unusable verifier configuration (bad key, empty secret).
var ErrConfig = errors.New("identity: invalid configuration")

// AuthError carries the reason a credential was rejected. It always matches
// ErrUnauthenticated with errors.Is; Reason is for logs only.
type AuthError struct {
	Scheme string
	Reason string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Scheme, ErrUnauthenticated, e.Reason)
}

func (e AuthError) Unwrap() error { return ErrUnauthenticated }

func reject(scheme, reason string) error {
	return AuthError{Scheme: scheme, Reason: reason}
}

// IsUnauthenticated reports whether err represents ErrUnauthenticated.
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }
