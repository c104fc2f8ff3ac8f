package broker

import (
	"encoding/json"
	"net/http"

	"github.com/heroku/csauth/credential"
	"github.com/heroku/csauth/tokenstore"
)

type errorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type prepareResponse struct {
	Status      string `json:"status"`
	ClientToken string `json:"client_token"`
}

type validateResponse struct {
	Status   string      `json:"status"`
	UserData interface{} `json:"userdata"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	action := r.FormValue("action")

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "check":
			s.handleCheck(w, r)
		case "login":
			s.handleLoginPage(w, r)
		case "validate":
			s.handleValidate(w, r)
		default:
			s.invalidAction(w)
		}
	case http.MethodPost:
		switch action {
		case "prepare":
			s.handlePrepare(w, r)
		case "login", "":
			s.handleLoginSubmit(w, r)
		default:
			s.invalidAction(w)
		}
	default:
		s.invalidAction(w)
	}
}

func (s *Server) invalidAction(w http.ResponseWriter) {
	http.Error(w, "Error: Invalid action specified.", http.StatusNotFound)
}

// handlePrepare authenticates a site and mints a client token for one
// login attempt. Sites call this server to server.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	_, hasToken := r.Form["token"]
	_, hasSecret := r.Form["secret"]

	var creds credential.Credentials
	switch {
	case !hasToken && !hasSecret:
		creds = credential.Anonymous()
	case hasToken != hasSecret:
		s.writeJSON(w, errorResponse{Status: "error", Reason: "token OR secret missing"})
		return
	default:
		creds = credential.Credentials{ID: r.FormValue("token"), Secret: r.FormValue("secret")}
	}

	perm, err := s.sites.VerifySite(r.Context(), creds)
	if err != nil {
		if credential.IsUnauthorizedErr(err) {
			s.writeJSON(w, errorResponse{Status: "error", Reason: "token/secret invalid"})
			return
		}
		s.internalError(w, err, "verifying site")
		return
	}

	ctoken, err := s.mintToken()
	if err != nil {
		s.internalError(w, err, "minting client token")
		return
	}
	s.tokens.Put(ctoken, tokenstore.Entry{
		State:      tokenstore.StatePendingLogin,
		Permission: perm,
	})

	s.writeJSON(w, prepareResponse{Status: "success", ClientToken: ctoken})
}

// handleCheck is the browser's entry point. A browser that already
// carries a valid login cookie is sent straight back to the site's
// callback, everyone else goes through the interactive login.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctoken := r.FormValue("ctoken")

	entry, err := s.tokens.Get(ctoken)
	if err != nil {
		s.loginUI.InvalidRequest(w, r)
		return
	}

	user, err := s.loginCookieUser(r)
	if err != nil {
		s.internalError(w, err, "reading session")
		return
	}
	if user == nil {
		http.Redirect(w, r, s.loginURL(ctoken), http.StatusFound)
		return
	}

	if err := s.promote(ctoken, user); err != nil {
		s.loginUI.InvalidRequest(w, r)
		return
	}
	http.Redirect(w, r, callbackURL(entry.Permission, ctoken), http.StatusFound)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	ctoken := r.FormValue("ctoken")
	if !s.tokens.Contains(ctoken) {
		s.loginUI.InvalidRequest(w, r)
		return
	}
	s.loginUI.LoginPage(w, r, ctoken)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	ctoken := r.FormValue("ctoken")

	entry, err := s.tokens.Get(ctoken)
	if err != nil {
		s.loginUI.InvalidRequest(w, r)
		return
	}

	creds, err := s.loginUI.Credentials(r)
	if err != nil {
		s.loginUI.InvalidRequest(w, r)
		return
	}

	identity, err := s.users.Verify(r.Context(), creds)
	if err != nil {
		if credential.IsUnauthorizedErr(err) {
			s.loginUI.LoginFailed(w, r, ctoken)
			return
		}
		s.internalError(w, err, "verifying user")
		return
	}

	if err := s.setLoginCookieUser(w, r, &identity); err != nil {
		s.internalError(w, err, "saving session")
		return
	}
	if err := s.promote(ctoken, &identity); err != nil {
		s.loginUI.InvalidRequest(w, r)
		return
	}
	http.Redirect(w, r, callbackURL(entry.Permission, ctoken), http.StatusFound)
}

// handleValidate redeems a completed token for the narrowed user data.
// Sites call this server to server.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctoken := r.FormValue("ctoken")

	entry, err := s.tokens.Get(ctoken)
	if err != nil {
		s.writeJSON(w, errorResponse{Status: "error", Reason: "ctoken invalid"})
		return
	}
	if entry.State != tokenstore.StateLoginComplete || entry.User == nil {
		s.writeJSON(w, errorResponse{Status: "error", Reason: "ctoken did not complete login"})
		return
	}
	if entry.Permission == nil {
		s.writeJSON(w, errorResponse{Status: "error", Reason: "site does not have permission for login"})
		return
	}

	narrow := entry.Permission.Narrow
	if narrow == nil {
		s.writeJSON(w, errorResponse{Status: "error", Reason: "site does not have permission for login"})
		return
	}
	userdata, err := narrow(r.Context(), *entry.User)
	if err != nil {
		s.internalError(w, err, "narrowing user data")
		return
	}

	if s.consumeOnValidate {
		s.tokens.Delete(ctoken)
	}

	s.writeJSON(w, validateResponse{Status: "success", UserData: userdata})
}

// promote moves the entry for ctoken to the completed state, attaching
// the user. The check and set run atomically so racing promotions for
// the same token cannot clobber each other.
func (s *Server) promote(ctoken string, user *credential.Identity) error {
	return s.tokens.Update(ctoken, func(e tokenstore.Entry) (tokenstore.Entry, error) {
		if e.State == tokenstore.StateLoginComplete {
			return e, nil
		}
		e.State = tokenstore.StateLoginComplete
		e.User = user
		return e, nil
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to write response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error, while string) {
	s.logger.WithError(err).Errorf("internal error while %s", while)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
