package sitedb

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/heroku/csauth/credential"
)

// Verifier authenticates a site's token/secret pair and resolves the
// permission record it was registered with. A failed check returns an
// error for which credential.IsUnauthorizedErr is true.
type Verifier interface {
	VerifySite(ctx context.Context, creds credential.Credentials) (*Permission, error)
}

// StaticSites is a code-configured Verifier. Unlike registry-backed
// sites, statically registered sites can carry arbitrary narrowing
// functions.
type StaticSites struct {
	mu        sync.RWMutex
	sites     map[string]staticSite
	anonymous *Permission
}

type staticSite struct {
	secret string
	perm   *Permission
}

func NewStaticSites() *StaticSites {
	return &StaticSites{sites: make(map[string]staticSite)}
}

// Add registers a site under the given token and secret.
func (s *StaticSites) Add(token, secret string, perm *Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[token] = staticSite{secret: secret, perm: perm}
}

// AllowAnonymous lets sites that present no credentials at all log
// users in under the given permission record. Without it, anonymous
// prepare requests are rejected.
func (s *StaticSites) AllowAnonymous(perm *Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymous = perm
}

func (s *StaticSites) VerifySite(_ context.Context, creds credential.Credentials) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if creds.Anonymous {
		if s.anonymous == nil {
			return nil, &credential.UnauthorizedError{Reason: "anonymous sites are not permitted"}
		}
		return s.anonymous, nil
	}

	site, ok := s.sites[creds.ID]
	if !ok {
		return nil, &credential.UnauthorizedError{Reason: "site not found"}
	}
	if subtle.ConstantTimeCompare([]byte(site.secret), []byte(creds.Secret)) != 1 {
		return nil, &credential.UnauthorizedError{Reason: "wrong site secret"}
	}
	return site.perm, nil
}

// SourceVerifier authenticates sites against a registry backend.
// Registry-stored sites always authenticate with a token and secret;
// anonymous sites must be configured through StaticSites.
type SourceVerifier struct {
	Source Source
}

func (v *SourceVerifier) VerifySite(ctx context.Context, creds credential.Credentials) (*Permission, error) {
	if creds.Anonymous {
		return nil, &credential.UnauthorizedError{Reason: "anonymous sites are not registered"}
	}

	site, err := v.Source.GetSite(ctx, creds.ID)
	if IsNotFoundErr(err) {
		return nil, &credential.UnauthorizedError{Reason: "site not found"}
	} else if err != nil {
		return nil, errors.Wrap(err, "looking up site")
	}

	if err := bcrypt.CompareHashAndPassword(site.SecretHash, []byte(creds.Secret)); err != nil {
		return nil, &credential.UnauthorizedError{Reason: "wrong site secret"}
	}
	return site.Permission(), nil
}
