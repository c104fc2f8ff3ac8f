package sitedb

import (
	"context"
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// Test runs a registry backend through the conformance suite every
// Source implementation is expected to pass.
func Test(ctx context.Context, t *testing.T, s ReadWriter) {
	// Subtests must clean up after themselves
	t.Run("testNonexistingGet", func(t *testing.T) { testNonexistingGet(ctx, t, s) })
	t.Run("testPutGetDelete", func(t *testing.T) { testPutGetDelete(ctx, t, s) })
	t.Run("testOverwrite", func(t *testing.T) { testOverwrite(ctx, t, s) })
	t.Run("testList", func(t *testing.T) { testList(ctx, t, s) })
}

func testNonexistingGet(ctx context.Context, t *testing.T, s ReadWriter) {
	_, err := s.GetSite(ctx, "nothing")
	if !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
}

func testPutGetDelete(ctx context.Context, t *testing.T, s ReadWriter) {
	site := &Site{
		Token:       "example-site",
		SecretHash:  []byte("$2a$10$notarealhashbutstoredasis"),
		CallbackURL: "https://example.com/login",
		Name:        "Example",
		Fields:      []string{"username", "email"},
	}

	if err := s.PutSite(ctx, site); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	got, err := s.GetSite(ctx, "example-site")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if diff := pretty.Compare(site, got); diff != "" {
		t.Errorf("stored site mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteSite(ctx, "example-site"); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	if _, err := s.GetSite(ctx, "example-site"); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}

	if err := s.DeleteSite(ctx, "example-site"); !IsNotFoundErr(err) {
		t.Errorf("Want: not found error, got %v", err)
	}
}

func testOverwrite(ctx context.Context, t *testing.T, s ReadWriter) {
	if err := s.PutSite(ctx, &Site{Token: "site", SecretHash: []byte("one"), CallbackURL: "https://one.example.com"}); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if err := s.PutSite(ctx, &Site{Token: "site", SecretHash: []byte("two"), CallbackURL: "https://two.example.com"}); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	got, err := s.GetSite(ctx, "site")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if got.CallbackURL != "https://two.example.com" {
		t.Errorf("Want: updated callback URL, got %q", got.CallbackURL)
	}

	if err := s.DeleteSite(ctx, "site"); err != nil {
		t.Fatal(err)
	}
}

func testList(ctx context.Context, t *testing.T, s ReadWriter) {
	want := []string{"site-a", "site-b", "site-c"}
	for _, tok := range want {
		if err := s.PutSite(ctx, &Site{Token: tok, SecretHash: []byte("x"), CallbackURL: "https://example.com"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSites(ctx)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	sort.Strings(got)
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("listed tokens mismatch (-want +got):\n%s", diff)
	}

	for _, tok := range want {
		if err := s.DeleteSite(ctx, tok); err != nil {
			t.Fatal(err)
		}
	}
}
