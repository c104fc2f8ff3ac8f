// Package sitedb manages the registry of sites that are allowed to
// delegate login to the broker, and resolves a site's token/secret pair
// into the permission record it was registered with.
package sitedb

import (
	"context"
)

// Site is a registered site record as held by a registry backend.
type Site struct {
	// Token identifies the site to the broker.
	Token string
	// SecretHash is the bcrypt hash of the site's secret.
	SecretHash []byte
	// CallbackURL is where the browser is sent once login completes.
	CallbackURL string
	// Name is a human-readable label for the site.
	Name string
	// Fields lists the identity fields this site is allowed to see. It
	// is the declarative form of the site's narrowing rule.
	Fields []string
}

// Source can be queried to get information about a registered site. It
// will be called for each lookup.
type Source interface {
	// GetSite returns the site registered under token. If no such site
	// exists, an IsNotFoundErr will be returned.
	GetSite(ctx context.Context, token string) (*Site, error)
}

// ReadWriter is a Source whose registry can also be managed at runtime.
// All the backends in this package implement it.
type ReadWriter interface {
	Source
	PutSite(ctx context.Context, site *Site) error
	DeleteSite(ctx context.Context, token string) error
	ListSites(ctx context.Context) (tokens []string, err error)
}

type errNotFound interface {
	NotFoundErr()
}

// IsNotFoundErr checks to see if the passed error is because the site
// was not found, as opposed to an actual error state. Errors comply to
// this if they have an `NotFoundErr()` method.
func IsNotFoundErr(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}
