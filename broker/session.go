package broker

import (
	"encoding/gob"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/heroku/csauth/credential"
)

const (
	sessionName        = "csauth"
	sessionUserdataKey = "userdata"
)

func init() {
	gob.Register(&credential.Identity{})
}

func (s *Server) session(r *http.Request) (*sessions.Session, error) {
	session, err := s.sstore.Get(r, sessionName)
	if err != nil {
		if session != nil && session.IsNew {
			// If the cookie was tampered with or is otherwise invalid, Get() will return
			// both a new (empty) session _and_ an error. We're OK with just using the
			// empty session in that case. This mostly happens locally when developers
			// may regenerate the cookie secret/encryption key often.
			s.logger.WithError(err).Info("Session decoding failed, a new empty session will be used")
			err = nil
		}
	}
	return session, err
}

// loginCookieUser returns the identity the browser's login cookie
// carries, or nil when the browser is not authenticated to the broker.
func (s *Server) loginCookieUser(r *http.Request) (*credential.Identity, error) {
	session, err := s.session(r)
	if err != nil {
		return nil, err
	}
	user, ok := session.Values[sessionUserdataKey].(*credential.Identity)
	if !ok {
		return nil, nil
	}
	return user, nil
}

func (s *Server) setLoginCookieUser(w http.ResponseWriter, r *http.Request, user *credential.Identity) error {
	session, err := s.session(r)
	if err != nil {
		return err
	}
	session.Values[sessionUserdataKey] = user
	return session.Save(r, w)
}
