package broker

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/heroku/csauth/credential"
)

// LoginUI renders the browser-facing pages of the login flow and maps
// form submissions into credentials. Implementations own the look of
// the pages; the broker owns the protocol around them.
type LoginUI interface {
	// LoginPage renders the interactive login form for ctoken. The form
	// must submit back to the broker endpoint with action=login and the
	// same ctoken.
	LoginPage(w http.ResponseWriter, r *http.Request, ctoken string)

	// Credentials maps a login form submission into the credentials to
	// verify. An error means the submission was malformed.
	Credentials(r *http.Request) (credential.Credentials, error)

	// LoginFailed renders the page shown after a failed credential
	// check. It should offer a way back to the login page.
	LoginFailed(w http.ResponseWriter, r *http.Request, ctoken string)

	// InvalidRequest renders the page shown when the ctoken is missing,
	// unknown or expired.
	InvalidRequest(w http.ResponseWriter, r *http.Request)
}

const basicLoginPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Login</title>
	</head>
	<body>
		<h1>Login</h1>
		<form action="?action=login&ctoken={{.CToken}}" method="POST">
			<label for="username">Username:</label>
			<input type="text" id="username" name="username"><br>
			<label for="password">Password:</label>
			<input type="password" id="password" name="password"><br>
			<input type="submit" value="Login">
		</form>
	</body>
</html>`

const basicLoginFailedPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Login failed</title>
	</head>
	<body>
		<h1>Login failed</h1>
		<p>Username or password invalid.</p>
		<p><a href="?action=login&ctoken={{.CToken}}">Try again</a></p>
	</body>
</html>`

const basicInvalidRequestPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Invalid request</title>
	</head>
	<body>
		<h1>Invalid request</h1>
		<p>This login link is invalid or has expired. Please return to the site you came from and try again.</p>
	</body>
</html>`

var (
	basicLoginTmpl          = template.Must(template.New("loginPage").Parse(basicLoginPage))
	basicLoginFailedTmpl    = template.Must(template.New("loginFailedPage").Parse(basicLoginFailedPage))
	basicInvalidRequestTmpl = template.Must(template.New("invalidRequestPage").Parse(basicInvalidRequestPage))
)

// DefaultLoginUI is a plain username/password form. It is what the
// broker uses when no LoginUI is configured.
type DefaultLoginUI struct{}

func (u *DefaultLoginUI) LoginPage(w http.ResponseWriter, r *http.Request, ctoken string) {
	u.render(w, basicLoginTmpl, http.StatusOK, ctoken)
}

func (u *DefaultLoginUI) Credentials(r *http.Request) (credential.Credentials, error) {
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" {
		return credential.Credentials{}, errors.New("username missing")
	}
	return credential.Credentials{ID: username, Secret: password}, nil
}

func (u *DefaultLoginUI) LoginFailed(w http.ResponseWriter, r *http.Request, ctoken string) {
	u.render(w, basicLoginFailedTmpl, http.StatusUnauthorized, ctoken)
}

func (u *DefaultLoginUI) InvalidRequest(w http.ResponseWriter, r *http.Request) {
	u.render(w, basicInvalidRequestTmpl, http.StatusBadRequest, "")
}

func (u *DefaultLoginUI) render(w http.ResponseWriter, tmpl *template.Template, code int, ctoken string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	// Headers are already out, nothing sensible left to do on error.
	_ = tmpl.Execute(w, map[string]interface{}{"CToken": ctoken})
}
