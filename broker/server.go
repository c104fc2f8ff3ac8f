// Package broker implements the authentication server side of the
// cross-site login protocol. A single endpoint dispatches on the
// "action" parameter: sites call prepare and validate server to
// server, browsers are driven through check and login.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/heroku/csauth/credential"
	"github.com/heroku/csauth/sitedb"
	"github.com/heroku/csauth/tokenstore"
)

// Config holds the broker's configuration options.
type Config struct {
	// URL is the externally visible URL of the broker endpoint. If set,
	// self-redirects are absolute; otherwise they are relative to the
	// request URL.
	URL string

	// Sites authenticates sites at prepare time and resolves their
	// permission records.
	Sites sitedb.Verifier

	// Users authenticates end users at login time.
	Users credential.Verifier

	// LoginUI renders the browser-facing pages and parses login form
	// submissions. Defaults to the built-in pages.
	LoginUI LoginUI

	// Sessions backs the login cookie.
	Sessions sessions.Store

	TokenLimit int           // Defaults to 512
	TokenTTL   time.Duration // Defaults to 15 minutes
	GCInterval time.Duration // Defaults to 5 minutes

	// ConsumeOnValidate drops a token on its first successful validate,
	// making redemption single-use. The default keeps a completed token
	// redeemable until it expires.
	ConsumeOnValidate bool

	// If specified, the server will use this function for determining time.
	Now func() time.Time

	Logger logrus.FieldLogger

	PrometheusRegistry *prometheus.Registry
}

func value(val, defaultValue time.Duration) time.Duration {
	if val == 0 {
		return defaultValue
	}
	return val
}

// Server is the top level object.
type Server struct {
	url string

	sites   sitedb.Verifier
	users   credential.Verifier
	loginUI LoginUI
	sstore  sessions.Store

	tokens *tokenstore.Store

	consumeOnValidate bool

	now func() time.Time

	handler http.Handler

	logger logrus.FieldLogger
}

// New constructs a broker from the provided config.
func New(ctx context.Context, c Config) (*Server, error) {
	if c.Sites == nil {
		return nil, errors.New("broker: site verifier cannot be nil")
	}
	if c.Users == nil {
		return nil, errors.New("broker: user verifier cannot be nil")
	}
	if c.Sessions == nil {
		return nil, errors.New("broker: session store cannot be nil")
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return nil, fmt.Errorf("broker: can't parse URL: %v", err)
		}
	}

	loginUI := c.LoginUI
	if loginUI == nil {
		loginUI = &DefaultLoginUI{}
	}

	logger := c.Logger
	if logger == nil {
		logger = logrus.New()
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	tokens := tokenstore.New(c.TokenLimit, value(c.TokenTTL, tokenstore.DefaultTTL))
	tokens.Now = now

	s := &Server{
		url:               c.URL,
		sites:             c.Sites,
		users:             c.Users,
		loginUI:           loginUI,
		sstore:            c.Sessions,
		tokens:            tokens,
		consumeOnValidate: c.ConsumeOnValidate,
		now:               now,
		logger:            logger,
	}

	var handler http.Handler = http.HandlerFunc(s.handleAction)
	if c.PrometheusRegistry != nil {
		requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csauth_requests_total",
			Help: "Count of all broker requests.",
		}, []string{"action", "code", "method"})
		liveTokens := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "csauth_live_tokens",
			Help: "Number of live client tokens.",
		}, func() float64 { return float64(tokens.Len()) })

		if err := c.PrometheusRegistry.Register(requestCounter); err != nil {
			return nil, fmt.Errorf("broker: failed to register Prometheus metrics: %v", err)
		}
		if err := c.PrometheusRegistry.Register(liveTokens); err != nil {
			return nil, fmt.Errorf("broker: failed to register Prometheus metrics: %v", err)
		}

		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(inner, w, r)
			requestCounter.With(prometheus.Labels{
				"action": r.FormValue("action"),
				"code":   strconv.Itoa(m.Code),
				"method": r.Method,
			}).Inc()
		})
	}
	s.handler = handler

	s.startGarbageCollection(ctx, value(c.GCInterval, 5*time.Minute), now)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// loginURL builds the self-redirect target for the interactive login
// action.
func (s *Server) loginURL(ctoken string) string {
	return s.url + "?action=login&ctoken=" + url.QueryEscape(ctoken)
}

func callbackURL(p *sitedb.Permission, ctoken string) string {
	return p.CallbackURL + "?action=callback&ctoken=" + url.QueryEscape(ctoken)
}

func (s *Server) startGarbageCollection(ctx context.Context, frequency time.Duration, now func() time.Time) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if n := s.tokens.Sweep(now()); n > 0 {
					s.logger.Infof("garbage collection run, deleted tokens=%d", n)
				}
			}
		}
	}()
}
