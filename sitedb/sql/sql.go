// Package sql is a site registry backed by a Postgres database.
package sql

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/heroku/csauth/sitedb"
)

type errNotFound struct {
	error
}

func (*errNotFound) NotFoundErr() {}

var migrations = []string{
	`create table sites (
	token text primary key not null,
	secret_hash bytea not null,
	callback_url text not null,
	name text not null default '',
	fields text[] not null default '{}'
	);`,
}

type Source struct {
	db *sql.DB
}

func New(ctx context.Context, db *sql.DB) (*Source, error) {
	s := &Source{db: db}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Source) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx,
		`create table if not exists migrations (
		idx int primary key not null,
		at timestamptz not null
		);`,
	); err != nil {
		return err
	}

	return s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select max(idx) from migrations;`).Scan(&maxIdx); err != nil {
			return err
		}

		i := 0
		if maxIdx.Valid {
			i = int(maxIdx.Int64) + 1
		}

		for ; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `insert into migrations (idx, at) values ($1, now());`, i); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Source) GetSite(ctx context.Context, token string) (*sitedb.Site, error) {
	site := sitedb.Site{Token: token}
	err := s.db.QueryRowContext(
		ctx,
		`select secret_hash, callback_url, name, fields from sites where token=$1`,
		token,
	).Scan(&site.SecretHash, &site.CallbackURL, &site.Name, pq.Array(&site.Fields))
	if err == sql.ErrNoRows {
		return nil, &errNotFound{err}
	} else if err != nil {
		return nil, err
	}

	return &site, nil
}

func (s *Source) PutSite(ctx context.Context, site *sitedb.Site) error {
	fields := site.Fields
	if fields == nil {
		// pq encodes a nil slice as NULL, which the column rejects.
		fields = []string{}
	}
	_, err := s.db.ExecContext(
		ctx,
		`insert into sites (token, secret_hash, callback_url, name, fields)
		values ($1, $2, $3, $4, $5)
		on conflict (token)
		do update set secret_hash=excluded.secret_hash, callback_url=excluded.callback_url,
		name=excluded.name, fields=excluded.fields`,
		site.Token, site.SecretHash, site.CallbackURL, site.Name, pq.Array(fields),
	)
	return err
}

func (s *Source) DeleteSite(ctx context.Context, token string) error {
	resp, err := s.db.ExecContext(ctx, `delete from sites where token=$1`, token)
	if err != nil {
		return err
	}
	rowsAffected, err := resp.RowsAffected()
	if err != nil {
		return err
	} else if rowsAffected == 0 {
		return &errNotFound{sql.ErrNoRows}
	}
	return nil
}

func (s *Source) ListSites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select token from sites`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Source) execTx(ctx context.Context, f func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
