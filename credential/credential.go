// Package credential defines the credential and identity types consumed
// by the broker's verifiers, along with verifier implementations for the
// common backends.
package credential

import (
	"context"

	"github.com/pkg/errors"
)

// Credentials carries a single authentication attempt. It is consumed
// once by a Verifier and should be discarded afterwards.
type Credentials struct {
	// ID identifies the party logging in: a username for end users, a
	// site token for sites.
	ID string
	// Secret is the matching password or site secret.
	Secret string
	// Anonymous marks that no credentials were presented at all. ID and
	// Secret are empty in that case.
	Anonymous bool
}

// Anonymous returns credentials for a party that presented nothing.
func Anonymous() Credentials {
	return Credentials{Anonymous: true}
}

// Identity is the user data produced by a successful login. Sites never
// see an Identity directly, only the output of their permission
// record's narrowing function.
type Identity struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups,omitempty"`

	// Extra holds backend-specific fields that don't fit the above.
	Extra map[string]string `json:"extra,omitempty"`
}

// Map flattens the identity into the keyed form narrowing functions
// project from.
func (i Identity) Map() map[string]interface{} {
	m := map[string]interface{}{
		"user_id":  i.UserID,
		"username": i.Username,
		"email":    i.Email,
	}
	if len(i.Groups) > 0 {
		m["groups"] = i.Groups
	}
	for k, v := range i.Extra {
		m[k] = v
	}
	return m
}

// Verifier checks a set of credentials against a backend. Verify is the
// only suspend point of a login attempt and must honor ctx.
type Verifier interface {
	// Verify consumes creds and returns the identity they prove. A
	// failed check returns an error for which IsUnauthorizedErr is true;
	// any other error indicates a backend problem.
	Verify(ctx context.Context, creds Credentials) (Identity, error)
}

// UnauthorizedError indicates the presented credentials did not check
// out. The reason is for logs only and is never shown to the browser.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return "unauthorized: " + e.Reason }

// UnauthorizedErr marks this error for IsUnauthorizedErr.
func (e *UnauthorizedError) UnauthorizedErr() {}

type errUnauthorized interface {
	UnauthorizedErr()
}

// IsUnauthorizedErr checks whether the passed error is a failed
// credential check, as opposed to an actual error state.
func IsUnauthorizedErr(err error) bool {
	_, ok := errors.Cause(err).(errUnauthorized)
	return ok
}
