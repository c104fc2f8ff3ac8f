package credential

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// DBUsers is a Verifier backed by a Postgres users table. It is the
// database-backed counterpart of StaticUsers; the table is expected to
// hold bcrypt password hashes.
type DBUsers struct {
	DB *sql.DB
}

// Migrate creates the users table if it does not exist yet.
func (d *DBUsers) Migrate(ctx context.Context) error {
	_, err := d.DB.ExecContext(
		ctx,
		`create table if not exists csauth_users (
		username text primary key not null,
		password_hash bytea not null,
		user_id text not null,
		email text not null default '',
		groups text[] not null default '{}'
		);`,
	)
	return errors.Wrap(err, "creating users table")
}

func (d *DBUsers) Verify(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.Anonymous {
		return Identity{}, &UnauthorizedError{Reason: "anonymous user login is not permitted"}
	}

	var (
		hash   []byte
		userID string
		email  string
		groups []string
	)
	err := d.DB.QueryRowContext(
		ctx,
		`select password_hash, user_id, email, groups from csauth_users where username=$1`,
		creds.ID,
	).Scan(&hash, &userID, &email, pq.Array(&groups))
	if err == sql.ErrNoRows {
		return Identity{}, &UnauthorizedError{Reason: "user not found"}
	} else if err != nil {
		return Identity{}, errors.Wrap(err, "querying user")
	}

	if err := checkCost(hash); err != nil {
		return Identity{}, err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(creds.Secret)); err != nil {
		return Identity{}, &UnauthorizedError{Reason: "wrong password"}
	}

	return Identity{
		UserID:   userID,
		Username: creds.ID,
		Email:    email,
		Groups:   groups,
	}, nil
}
