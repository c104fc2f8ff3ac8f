package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/heroku/csauth/broker"
	"github.com/heroku/csauth/credential"
	"github.com/heroku/csauth/sitedb"
	"github.com/heroku/csauth/sitedb/disk"
	"github.com/heroku/csauth/sitedb/memory"
	sitesql "github.com/heroku/csauth/sitedb/sql"
)

const (
	sessionAuthenticationKeyBytesLength = 64
	sessionEncryptionKeyBytesLength     = 32
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	RunE: run,
}

var ( // flags
	addr                     string
	brokerURL                string
	configPath               string
	dbPath                   string
	databaseURL              string
	tokenTTL                 time.Duration
	tokenLimit               int
	consumeOnValidate        bool
	sessionAuthenticationKey string
	sessionEncryptionKey     string
)

func init() {
	cmd.Flags().StringVar(&addr, "addr", "localhost:8085", "Address to listen on")
	cmd.Flags().StringVar(&brokerURL, "url", "http://localhost:8085/auth", "Externally visible URL of the broker endpoint")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML file with sites and users")
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to a bbolt site database file. Mutually exclusive with --database-url")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL for the site and user database. Mutually exclusive with --db")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 15*time.Minute, "How long a client token stays valid")
	cmd.Flags().IntVar(&tokenLimit, "token-limit", 512, "Maximum number of live client tokens")
	cmd.Flags().BoolVar(&consumeOnValidate, "consume-on-validate", false, "Drop client tokens on their first successful validate")
	cmd.Flags().StringVar(&sessionAuthenticationKey, "session-auth-key", mustGenRandB64(64), "Session authentication key, 64-byte, base64-encoded")
	cmd.Flags().StringVar(&sessionEncryptionKey, "session-encrypt-key", mustGenRandB64(32), "Session encryption key, 32-byte, base64-encoded")
}

type config struct {
	Sites []siteConfig `json:"sites"`
	Users []userConfig `json:"users"`
}

type siteConfig struct {
	Token string `json:"token"`
	// Secret or SecretHash, one of the two. A plaintext secret is
	// bcrypt-hashed before it is stored.
	Secret      string   `json:"secret"`
	SecretHash  string   `json:"secret_hash"`
	CallbackURL string   `json:"callback_url"`
	Name        string   `json:"name"`
	Fields      []string `json:"fields"`
}

type userConfig struct {
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	PasswordHash string            `json:"password_hash"`
	UserID       string            `json:"user_id"`
	Email        string            `json:"email"`
	Groups       []string          `json:"groups"`
	Extra        map[string]string `json:"extra"`
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logrus.New()

	authKey, err := base64.StdEncoding.DecodeString(sessionAuthenticationKey)
	if err != nil {
		return errors.Wrap(err, "failed to base64 decode session-auth-key")
	} else if len(authKey) != sessionAuthenticationKeyBytesLength {
		return fmt.Errorf("session-auth-key must be %d bytes of random data", sessionAuthenticationKeyBytesLength)
	}

	encKey, err := base64.StdEncoding.DecodeString(sessionEncryptionKey)
	if err != nil {
		return errors.Wrap(err, "failed to base64 decode session-encrypt-key")
	} else if len(encKey) != sessionEncryptionKeyBytesLength {
		return fmt.Errorf("session-encrypt-key must be %d bytes of random data", sessionEncryptionKeyBytesLength)
	}

	var cfg config
	if configPath != "" {
		raw, err := ioutil.ReadFile(configPath)
		if err != nil {
			return errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return errors.Wrap(err, "failed to parse config")
		}
	}

	if dbPath != "" && databaseURL != "" {
		return errors.New("--db and --database-url are mutually exclusive")
	}

	var (
		siteSource sitedb.ReadWriter
		users      credential.Verifier
		db         *sql.DB
	)
	switch {
	case dbPath != "":
		diskSource, err := disk.New(dbPath, 0644)
		if err != nil {
			return errors.Wrap(err, "failed to open site database")
		}
		defer diskSource.Close()
		siteSource = diskSource
	case databaseURL != "":
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return errors.Wrap(err, "failed to open database")
		}
		sqlSource, err := sitesql.New(ctx, db)
		if err != nil {
			return errors.Wrap(err, "failed to initialize site database")
		}
		siteSource = sqlSource
	default:
		siteSource = memory.New()
	}

	if err := seedSites(ctx, siteSource, cfg.Sites); err != nil {
		return errors.Wrap(err, "failed to load sites")
	}

	if len(cfg.Users) > 0 {
		static, err := staticUsers(cfg.Users)
		if err != nil {
			return errors.Wrap(err, "failed to load users")
		}
		users = static
	} else if db != nil {
		dbUsers := &credential.DBUsers{DB: db}
		if err := dbUsers.Migrate(ctx); err != nil {
			return errors.Wrap(err, "failed to initialize user database")
		}
		users = dbUsers
	} else {
		return errors.New("no users configured: provide --config with users or --database-url")
	}

	session := sessions.NewCookieStore(authKey, encKey)
	registry := prometheus.NewRegistry()

	srv, err := broker.New(ctx, broker.Config{
		URL:                brokerURL,
		Sites:              &sitedb.SourceVerifier{Source: siteSource},
		Users:              users,
		Sessions:           session,
		TokenLimit:         tokenLimit,
		TokenTTL:           tokenTTL,
		ConsumeOnValidate:  consumeOnValidate,
		Logger:             logger,
		PrometheusRegistry: registry,
	})
	if err != nil {
		return errors.Wrap(err, "error creating broker")
	}

	r := mux.NewRouter()
	r.Handle("/auth", srv)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	logger.Infof("Listening on %s", addr)
	hsrv := &http.Server{
		Addr:    addr,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, r),
	}
	return hsrv.ListenAndServe()
}

func seedSites(ctx context.Context, dst sitedb.ReadWriter, sites []siteConfig) error {
	for _, sc := range sites {
		if sc.Token == "" {
			return errors.New("site is missing a token")
		}

		var hash []byte
		switch {
		case sc.SecretHash != "":
			hash = []byte(sc.SecretHash)
		case sc.Secret != "":
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(sc.Secret), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("site %q has neither secret nor secret_hash", sc.Token)
		}

		if err := dst.PutSite(ctx, &sitedb.Site{
			Token:       sc.Token,
			SecretHash:  hash,
			CallbackURL: sc.CallbackURL,
			Name:        sc.Name,
			Fields:      sc.Fields,
		}); err != nil {
			return err
		}
	}
	return nil
}

func staticUsers(users []userConfig) (*credential.StaticUsers, error) {
	static := credential.NewStaticUsers()
	for _, uc := range users {
		identity := credential.Identity{
			UserID:   uc.UserID,
			Username: uc.Username,
			Email:    uc.Email,
			Groups:   uc.Groups,
			Extra:    uc.Extra,
		}

		var err error
		switch {
		case uc.PasswordHash != "":
			err = static.AddUserHash(uc.Username, []byte(uc.PasswordHash), identity)
		case uc.Password != "":
			err = static.AddUser(uc.Username, uc.Password, identity)
		default:
			err = fmt.Errorf("user %q has neither password nor password_hash", uc.Username)
		}
		if err != nil {
			return nil, err
		}
	}
	return static, nil
}

func mustGenRandB64(len int) string {
	b := make([]byte, len)
	_, err := rand.Read(b)
	if err != nil {
		log.Fatalf("Error fetching %d random bytes [%+v]", len, err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
