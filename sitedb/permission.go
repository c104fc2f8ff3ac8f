package sitedb

import (
	"context"

	"github.com/heroku/csauth/credential"
)

// NarrowFunc projects a full identity into the subset a site is
// permitted to see. Implementations may call out to other services and
// must honor ctx.
type NarrowFunc func(ctx context.Context, user credential.Identity) (map[string]interface{}, error)

// Permission is a site's registered authorization: where to send the
// browser after login, and how to narrow user data for this site. It is
// immutable once issued.
type Permission struct {
	CallbackURL string
	Narrow      NarrowFunc
}

// FieldNarrow returns a NarrowFunc that keeps only the listed identity
// fields and drops everything else.
func FieldNarrow(fields []string) NarrowFunc {
	return func(_ context.Context, user credential.Identity) (map[string]interface{}, error) {
		full := user.Map()
		out := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := full[f]; ok {
				out[f] = v
			}
		}
		return out, nil
	}
}

// Permission builds the permission record for a registry-stored site,
// narrowing by its registered field list.
func (s *Site) Permission() *Permission {
	return &Permission{
		CallbackURL: s.CallbackURL,
		Narrow:      FieldNarrow(s.Fields),
	}
}
