package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// BrokerClient drives the server-to-server half of the login protocol:
// prepare before sending the browser off, validate once it comes back.
type BrokerClient struct {
	// URL is the broker endpoint.
	URL string

	// HTTPClient is used for requests to the broker. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// BrokerError is a protocol-level rejection from the broker, as opposed
// to a transport or decoding failure.
type BrokerError struct {
	Reason string
}

func (e *BrokerError) Error() string { return "broker: " + e.Reason }

// ErrNoClientToken means the broker reported success on prepare but
// the response carried no client token.
var ErrNoClientToken = errors.New("broker did not send a client token")

type brokerResponse struct {
	Status      string                 `json:"status"`
	Reason      string                 `json:"reason"`
	ClientToken string                 `json:"client_token"`
	UserData    map[string]interface{} `json:"userdata"`
}

// Prepare authenticates the site to the broker and returns a fresh
// client token for one login attempt. Empty token and secret prepare an
// anonymous attempt.
func (c *BrokerClient) Prepare(ctx context.Context, token, secret string) (string, error) {
	params := url.Values{"action": {"prepare"}}
	if token != "" || secret != "" {
		params.Set("token", token)
		params.Set("secret", secret)
	}

	resp, err := c.do(ctx, http.MethodPost, params)
	if err != nil {
		return "", err
	}
	if resp.ClientToken == "" {
		return "", ErrNoClientToken
	}
	return resp.ClientToken, nil
}

// Validate redeems a completed client token for the narrowed user
// data, authenticating the site with the same token and secret it
// prepared with.
func (c *BrokerClient) Validate(ctx context.Context, token, secret, ctoken string) (map[string]interface{}, error) {
	params := url.Values{"action": {"validate"}, "ctoken": {ctoken}}
	if token != "" || secret != "" {
		params.Set("token", token)
		params.Set("secret", secret)
	}

	resp, err := c.do(ctx, http.MethodGet, params)
	if err != nil {
		return nil, err
	}
	return resp.UserData, nil
}

func (c *BrokerClient) do(ctx context.Context, method string, params url.Values) (*brokerResponse, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequest(method, c.URL, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequest(method, c.URL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "building broker request")
	}
	req = req.WithContext(ctx)

	httpResp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling broker")
	}
	defer httpResp.Body.Close()

	var resp brokerResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Wrap(err, "decoding broker response")
	}
	if resp.Status != "success" {
		return nil, &BrokerError{Reason: resp.Reason}
	}
	return &resp, nil
}
