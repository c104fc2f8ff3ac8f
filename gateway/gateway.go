// Package gateway implements the site side of the login protocol. A
// Handler mounted on a site's login path sends the browser through the
// broker and hands the validated user data to site code.
package gateway

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler is a site's login entry point. Mount it on the path
// registered as the site's callback URL with the broker; it serves both
// the login and the callback action.
type Handler struct {
	// BrokerURL is the broker endpoint.
	BrokerURL string
	// Token and Secret authenticate this site to the broker. Both empty
	// prepares anonymous attempts, for brokers that allow them.
	Token  string
	Secret string

	// OnLogin is called with the validated, narrowed user data. Its
	// output is the response the logged-in user sees.
	OnLogin func(w http.ResponseWriter, r *http.Request, userdata map[string]interface{})

	// HTTPClient is used for server-to-server calls to the broker.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger logrus.FieldLogger

	clientOnce sync.Once
	client     *BrokerClient
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.FormValue("action") {
	case "", "login":
		h.startLogin(w, r)
	case "callback":
		h.finishLogin(w, r)
	default:
		http.Error(w, "Error: Invalid action specified.", http.StatusNotFound)
	}
}

// startLogin prepares a login attempt with the broker and sends the
// browser off to it.
func (h *Handler) startLogin(w http.ResponseWriter, r *http.Request) {
	ctoken, err := h.brokerClient().Prepare(r.Context(), h.Token, h.Secret)
	if err != nil {
		h.logger().WithError(err).Error("prepare failed")
		http.Error(w, prepareErrorMessage(err), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.BrokerURL+"?action=check&ctoken="+url.QueryEscape(ctoken), http.StatusFound)
}

// finishLogin redeems the token the browser came back with. A failed
// validate sends the browser back through the login action to retry.
func (h *Handler) finishLogin(w http.ResponseWriter, r *http.Request) {
	ctoken := r.FormValue("ctoken")

	userdata, err := h.brokerClient().Validate(r.Context(), h.Token, h.Secret, ctoken)
	if err != nil {
		h.logger().WithError(err).Info("validate failed, retrying login")
		http.Redirect(w, r, "?action=login", http.StatusFound)
		return
	}

	if h.OnLogin == nil {
		h.logger().Error("no OnLogin hook configured")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.OnLogin(w, r, userdata)
}

func prepareErrorMessage(err error) string {
	cause := errors.Cause(err)
	if cause == ErrNoClientToken {
		return "Error: authentication server did not send a client token."
	}
	if be, ok := cause.(*BrokerError); ok {
		return "Error: " + be.Reason
	}
	return "Error: authentication server send invalid response."
}

func (h *Handler) brokerClient() *BrokerClient {
	h.clientOnce.Do(func() {
		h.client = &BrokerClient{URL: h.BrokerURL, HTTPClient: h.HTTPClient}
	})
	return h.client
}

func (h *Handler) logger() logrus.FieldLogger {
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.StandardLogger()
}
