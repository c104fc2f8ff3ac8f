package broker

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/kylelemons/godebug/pretty"
	"github.com/sirupsen/logrus"

	"github.com/heroku/csauth/credential"
	"github.com/heroku/csauth/sitedb"
	"github.com/heroku/csauth/tokenstore"
)

func newTestServer(ctx context.Context, t *testing.T, mod func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	users := credential.NewStaticUsers()
	if err := users.AddUser("jane", "correcthorse", credential.Identity{UserID: "1", Email: "jane@example.com"}); err != nil {
		t.Fatal(err)
	}

	sites := sitedb.NewStaticSites()
	sites.Add("site-a", "secret-a", &sitedb.Permission{
		CallbackURL: "https://a.example.com/login",
		Narrow:      sitedb.FieldNarrow([]string{"username", "email"}),
	})
	sites.Add("site-b", "secret-b", &sitedb.Permission{
		CallbackURL: "https://b.example.com/login",
		Narrow: func(_ context.Context, user credential.Identity) (map[string]interface{}, error) {
			return map[string]interface{}{"name_length": len(user.Username)}, nil
		},
	})

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)

	cfg := Config{
		Sites:    sites,
		Users:    users,
		Sessions: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
		Logger:   logger,
	}
	if mod != nil {
		mod(&cfg)
	}

	s, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	return s, srv
}

// browserClient simulates a browser: it keeps cookies but does not
// follow redirects, so tests can inspect each Location header.
func browserClient(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type brokerResponse struct {
	Status      string                 `json:"status"`
	Reason      string                 `json:"reason"`
	ClientToken string                 `json:"client_token"`
	UserData    map[string]interface{} `json:"userdata"`
}

func prepare(t *testing.T, srv *httptest.Server, params url.Values) brokerResponse {
	t.Helper()

	resp, err := http.PostForm(srv.URL+"?action=prepare", params)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var br brokerResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		t.Fatalf("decoding prepare response: %v", err)
	}
	return br
}

func validate(t *testing.T, srv *httptest.Server, ctoken string) brokerResponse {
	t.Helper()

	resp, err := http.Get(srv.URL + "?action=validate&ctoken=" + url.QueryEscape(ctoken))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var br brokerResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		t.Fatalf("decoding validate response: %v", err)
	}
	return br
}

func TestLoginFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, nil)
	browser := browserClient(t)

	// Site A prepares a login attempt server to server.
	pr := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	if pr.Status != "success" {
		t.Fatalf("Want: success, got %+v", pr)
	}
	if len(pr.ClientToken) != 16 {
		t.Fatalf("Want: 16 char client token, got %q", pr.ClientToken)
	}
	ct := pr.ClientToken

	// The browser arrives without a login cookie and is sent to the
	// interactive login.
	resp, err := browser.Get(srv.URL + "?action=check&ctoken=" + ct)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Want: redirect, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "action=login") || !strings.Contains(loc, "ctoken="+ct) {
		t.Fatalf("Want: redirect to interactive login, got %q", loc)
	}

	// The login page renders a form for this ctoken.
	resp, err = browser.Get(srv.URL + "?action=login&ctoken=" + ct)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Want: 200 login page, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "<form") {
		t.Errorf("Want: login form in page, got:\n%s", body)
	}

	// A wrong password fails and leaves the token pending.
	resp, err = browser.PostForm(srv.URL+"?action=login&ctoken="+ct, url.Values{
		"username": {"jane"},
		"password": {"batterystaple"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Want: 401 on wrong password, got %d", resp.StatusCode)
	}
	if vr := validate(t, srv, ct); vr.Reason != "ctoken did not complete login" {
		t.Fatalf("Want: token still pending, got %+v", vr)
	}

	// The right password completes the login and sends the browser to
	// site A's callback.
	resp, err = browser.PostForm(srv.URL+"?action=login&ctoken="+ct, url.Values{
		"username": {"jane"},
		"password": {"correcthorse"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Want: redirect to callback, got %d", resp.StatusCode)
	}
	wantLoc := "https://a.example.com/login?action=callback&ctoken=" + ct
	if loc := resp.Header.Get("Location"); loc != wantLoc {
		t.Fatalf("Want: Location %q, got %q", wantLoc, loc)
	}

	// Site A redeems the token and sees only its narrowed fields.
	vr := validate(t, srv, ct)
	if vr.Status != "success" {
		t.Fatalf("Want: success, got %+v", vr)
	}
	want := map[string]interface{}{"username": "jane", "email": "jane@example.com"}
	if diff := pretty.Compare(want, vr.UserData); diff != "" {
		t.Errorf("userdata mismatch (-want +got):\n%s", diff)
	}

	// Redemption is idempotent by default.
	if vr := validate(t, srv, ct); vr.Status != "success" {
		t.Errorf("Want: repeated validate to succeed, got %+v", vr)
	}

	// The browser now holds a login cookie, so a second site's check
	// skips the interactive login entirely.
	pr2 := prepare(t, srv, url.Values{"token": {"site-b"}, "secret": {"secret-b"}})
	if pr2.Status != "success" {
		t.Fatalf("Want: success, got %+v", pr2)
	}
	resp, err = browser.Get(srv.URL + "?action=check&ctoken=" + pr2.ClientToken)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	wantLoc = "https://b.example.com/login?action=callback&ctoken=" + pr2.ClientToken
	if loc := resp.Header.Get("Location"); loc != wantLoc {
		t.Fatalf("Want: cookie to skip login, Location %q, got %q", wantLoc, loc)
	}

	// Site B's narrowing sees the name length, never the name.
	vr2 := validate(t, srv, pr2.ClientToken)
	want2 := map[string]interface{}{"name_length": float64(4)}
	if diff := pretty.Compare(want2, vr2.UserData); diff != "" {
		t.Errorf("userdata mismatch (-want +got):\n%s", diff)
	}

	// A browser without the cookie still gets the interactive path.
	fresh := browserClient(t)
	pr3 := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	resp, err = fresh.Get(srv.URL + "?action=check&ctoken=" + pr3.ClientToken)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "action=login") {
		t.Fatalf("Want: fresh browser sent to login, got %q", loc)
	}
}

func TestLoginCookieExpiryForcesInteractiveLogin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, nil)
	browser := browserClient(t)

	// Log in once to establish the session cookie.
	pr := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	resp, err := browser.PostForm(srv.URL+"?action=login&ctoken="+pr.ClientToken, url.Values{
		"username": {"jane"},
		"password": {"correcthorse"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Want: redirect after login, got %d", resp.StatusCode)
	}

	// The cookie lets the next check skip the login page.
	pr2 := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	resp, err = browser.Get(srv.URL + "?action=check&ctoken=" + pr2.ClientToken)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "action=callback") {
		t.Fatalf("Want: cookie to skip login, got %q", loc)
	}

	// Expire the session cookie, as the browser does when the session
	// ends.
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	browser.Jar.SetCookies(u, []*http.Cookie{{Name: sessionName, Value: "", MaxAge: -1}})

	pr3 := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	resp, err = browser.Get(srv.URL + "?action=check&ctoken=" + pr3.ClientToken)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "action=login") {
		t.Errorf("Want: expired session to force interactive login, got %q", loc)
	}
}

func TestPrepareRejectsBadSites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, nil)

	tests := []struct {
		name       string
		params     url.Values
		wantReason string
	}{
		{
			name:       "wrong secret",
			params:     url.Values{"token": {"site-a"}, "secret": {"nope"}},
			wantReason: "token/secret invalid",
		},
		{
			name:       "unknown site",
			params:     url.Values{"token": {"site-c"}, "secret": {"secret-a"}},
			wantReason: "token/secret invalid",
		},
		{
			name:       "secret missing",
			params:     url.Values{"token": {"site-a"}},
			wantReason: "token OR secret missing",
		},
		{
			name:       "token missing",
			params:     url.Values{"secret": {"secret-a"}},
			wantReason: "token OR secret missing",
		},
		{
			name:       "anonymous not configured",
			params:     url.Values{},
			wantReason: "token/secret invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pr := prepare(t, srv, tc.params)
			if pr.Status != "error" || pr.Reason != tc.wantReason {
				t.Errorf("Want: error %q, got %+v", tc.wantReason, pr)
			}
		})
	}
}

func TestPrepareAnonymousSite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, func(c *Config) {
		sites := sitedb.NewStaticSites()
		sites.AllowAnonymous(&sitedb.Permission{
			CallbackURL: "https://anon.example.com/login",
			Narrow:      sitedb.FieldNarrow([]string{"username"}),
		})
		c.Sites = sites
	})

	pr := prepare(t, srv, url.Values{})
	if pr.Status != "success" || len(pr.ClientToken) != 16 {
		t.Errorf("Want: anonymous prepare to succeed, got %+v", pr)
	}
}

func TestInvalidAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, nil)

	for _, req := range []struct {
		method string
		query  string
	}{
		{http.MethodGet, "?action=bogus"},
		{http.MethodGet, ""},
		{http.MethodPost, "?action=bogus"},
		{http.MethodGet, "?action=prepare"},
		{http.MethodDelete, "?action=check"},
	} {
		r, err := http.NewRequest(req.method, srv.URL+req.query, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(r)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %q: Want: 404, got %d", req.method, req.query, resp.StatusCode)
		}
		if !strings.Contains(string(body), "Error: Invalid action specified.") {
			t.Errorf("%s %q: Want: invalid action body, got %q", req.method, req.query, body)
		}
	}
}

func TestUnknownToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, nil)
	browser := browserClient(t)

	// check with an unknown ctoken renders the invalid request page.
	resp, err := browser.Get(srv.URL + "?action=check&ctoken=nothing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("check: Want: 400, got %d", resp.StatusCode)
	}

	// So does a login POST, missing ctoken included.
	for _, q := range []string{"?action=login&ctoken=nothing", "?action=login"} {
		resp, err = browser.PostForm(srv.URL+q, url.Values{"username": {"jane"}, "password": {"correcthorse"}})
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("login POST %q: Want: 400, got %d", q, resp.StatusCode)
		}
	}

	// validate reports it as invalid, not as any other error kind.
	if vr := validate(t, srv, "nothing"); vr.Status != "error" || vr.Reason != "ctoken invalid" {
		t.Errorf("validate: Want: ctoken invalid, got %+v", vr)
	}
}

func TestTokenEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, srv := newTestServer(ctx, t, func(c *Config) {
		c.TokenLimit = 2
	})

	first := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	for i := 0; i < 2; i++ {
		prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})
	}

	if vr := validate(t, srv, first.ClientToken); vr.Reason != "ctoken invalid" {
		t.Errorf("Want: evicted token to be invalid, got %+v", vr)
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, srv := newTestServer(ctx, t, func(c *Config) {
		c.TokenTTL = time.Minute
		c.Now = func() time.Time { return now }
	})

	pr := prepare(t, srv, url.Values{"token": {"site-a"}, "secret": {"secret-a"}})

	now = now.Add(2 * time.Minute)
	if vr := validate(t, srv, pr.ClientToken); vr.Reason != "ctoken invalid" {
		t.Errorf("Want: expired token to be invalid, got %+v", vr)
	}
}

func TestConsumeOnValidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, srv := newTestServer(ctx, t, func(c *Config) {
		c.ConsumeOnValidate = true
	})

	s.tokens.Put("single-use-token1", tokenstore.Entry{
		State: tokenstore.StateLoginComplete,
		Permission: &sitedb.Permission{
			CallbackURL: "https://a.example.com/login",
			Narrow:      sitedb.FieldNarrow([]string{"username"}),
		},
		User: &credential.Identity{Username: "jane"},
	})

	if vr := validate(t, srv, "single-use-token1"); vr.Status != "success" {
		t.Fatalf("Want: first validate to succeed, got %+v", vr)
	}
	if vr := validate(t, srv, "single-use-token1"); vr.Reason != "ctoken invalid" {
		t.Errorf("Want: second validate to fail, got %+v", vr)
	}
}
