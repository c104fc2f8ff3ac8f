package memory

import (
	"context"
	"testing"

	"github.com/heroku/csauth/sitedb"
)

func TestSource(t *testing.T) {
	ctx := context.Background()

	s := New()
	sitedb.Test(ctx, t, s)
}
