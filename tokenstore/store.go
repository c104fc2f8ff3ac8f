// Package tokenstore implements the bounded, expiring in-memory store
// the broker keeps its in-flight client tokens in. Entries fall out
// either when they exceed their TTL or when the store is at capacity
// and a newer entry pushes the oldest one out.
package tokenstore

import (
	"sync"
	"time"

	"github.com/heroku/csauth/credential"
	"github.com/heroku/csauth/sitedb"
)

const (
	// DefaultMaxEntries bounds the store when no explicit limit is set.
	DefaultMaxEntries = 512
	// DefaultTTL is how long an entry lives when no explicit TTL is set.
	DefaultTTL = 15 * time.Minute
)

// State tracks how far through the login protocol a client token is.
type State int

const (
	// StatePendingLogin is the state of a freshly prepared token. The
	// user has not authenticated yet.
	StatePendingLogin State = iota
	// StateLoginComplete means the user authenticated and the token can
	// be redeemed for their data.
	StateLoginComplete
)

// Entry is everything the broker tracks about one client token.
type Entry struct {
	State State
	// Permission is the site's grant the token was prepared under.
	Permission *sitedb.Permission
	// User is set when State is StateLoginComplete.
	User *credential.Identity
}

type record struct {
	entry      Entry
	insertedAt time.Time
}

// Store is a thread-safe expiring token map. The zero value is not
// usable, get one from New.
type Store struct {
	// Now is the time source, settable for tests.
	Now func() time.Time

	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*record
	// order tracks insertion order for capacity eviction. Deleted
	// tokens leave stale heads behind, Sweep and eviction skip them.
	order []string
}

// New returns a store holding at most maxEntries live entries, each for
// at most ttl. Zero values select the defaults.
func New(maxEntries int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		Now:        time.Now,
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*record),
	}
}

// Put inserts or replaces the entry for token, restarting its TTL. If
// the store is at capacity the oldest live entry is evicted.
func (s *Store) Put(token string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()

	if _, ok := s.entries[token]; ok {
		// Replacing restarts the TTL, so the old order slot must go
		// too or the entry stays first in line for capacity eviction.
		compacted := s.order[:0]
		for _, tok := range s.order {
			if tok != token {
				compacted = append(compacted, tok)
			}
		}
		s.order = compacted
	} else {
		for len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
	}

	s.entries[token] = &record{entry: entry, insertedAt: now}
	s.order = append(s.order, token)
}

// Get returns the entry for token. Expired entries are dropped on the
// way out and reported as not found.
func (s *Store) Get(token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(token)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry, nil
}

// Contains reports whether token currently maps to a live entry.
func (s *Store) Contains(token string) bool {
	_, err := s.Get(token)
	return err == nil
}

// Update applies fn to the entry for token and stores the result. fn
// runs under the store lock, so a check inside fn and the resulting
// write are atomic with respect to concurrent Updates. The entry's TTL
// is not restarted.
func (s *Store) Update(token string, fn func(Entry) (Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(token)
	if err != nil {
		return err
	}

	updated, err := fn(rec.entry)
	if err != nil {
		return err
	}
	rec.entry = updated
	return nil
}

// Delete removes the entry for token, if any.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
}

// Len returns the number of live entries. Entries past their TTL that
// have not been swept yet still count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every entry that is expired as of now and compacts the
// eviction order. It returns the number of entries dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for token, rec := range s.entries {
		if s.expired(rec, now) {
			delete(s.entries, token)
			dropped++
		}
	}

	compacted := s.order[:0]
	for _, token := range s.order {
		if _, ok := s.entries[token]; ok {
			compacted = append(compacted, token)
		}
	}
	s.order = compacted

	return dropped
}

func (s *Store) getLocked(token string) (*record, error) {
	rec, ok := s.entries[token]
	if !ok {
		return nil, &errNotFound{}
	}
	if s.expired(rec, s.Now()) {
		delete(s.entries, token)
		return nil, &errNotFound{}
	}
	return rec, nil
}

func (s *Store) evictOldestLocked() {
	for len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.entries[oldest]; ok {
			delete(s.entries, oldest)
			return
		}
	}
}

func (s *Store) expired(rec *record, now time.Time) bool {
	return now.Sub(rec.insertedAt) >= s.ttl
}

type errNotFound struct{}

func (e *errNotFound) Error() string { return "token not found" }

// NotFoundErr marks this error for IsNotFoundErr.
func (e *errNotFound) NotFoundErr() {}

type notFoundErr interface {
	NotFoundErr()
}

// IsNotFoundErr checks whether the passed error indicates a token that
// is unknown or expired, as opposed to an actual error state.
func IsNotFoundErr(err error) bool {
	_, ok := err.(notFoundErr)
	return ok
}
