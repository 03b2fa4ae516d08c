package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when no authenticator accepts the token.
var ErrUnauthenticated = errors.New("authentication failed")

// ChainedAuthenticator tries multiple authenticators in order.
type ChainedAuthenticator struct {
	authenticators []Authenticator
}

// NewChainedAuthenticator creates a new chained authenticator. Nil entries
// are skipped.
func NewChainedAuthenticator(authenticators ...Authenticator) *ChainedAuthenticator {
	c := &ChainedAuthenticator{}
	for _, a := range authenticators {
		if a != nil {
			c.authenticators = append(c.authenticators, a)
		}
	}
	return c
}

// Authenticate tries each authenticator in order.
func (c *ChainedAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	var errs []error
	for _, a := range c.authenticators {
		p, err := a.Authenticate(ctx)
		if err == nil && p != nil {
			return p, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(append([]error{ErrUnauthenticated}, errs...)...)
}

// Verify interface compliance.
var _ Authenticator = (*ChainedAuthenticator)(nil)
