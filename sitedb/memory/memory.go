// Package memory is an in-memory site registry. All data is lost when
// the process ends; it should only be used for testing, or when the
// registry is fully described by configuration loaded at startup.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/heroku/csauth/sitedb"
)

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

type Source struct {
	mu    sync.Mutex
	sites map[string]sitedb.Site
}

func New() *Source {
	return &Source{sites: make(map[string]sitedb.Site)}
}

func (s *Source) GetSite(_ context.Context, token string) (*sitedb.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.sites[token]
	if !ok {
		return nil, &errNotFound{fmt.Errorf("site %q was not found", token)}
	}
	return &site, nil
}

func (s *Source) PutSite(_ context.Context, site *sitedb.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sites[site.Token] = *site
	return nil
}

func (s *Source) DeleteSite(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sites[token]; !ok {
		return &errNotFound{fmt.Errorf("site %q was not found", token)}
	}
	delete(s.sites, token)
	return nil
}

func (s *Source) ListSites(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]string, 0, len(s.sites))
	for t := range s.sites {
		tokens = append(tokens, t)
	}
	return tokens, nil
}
