// Command csauth-example-site runs a minimal site that delegates login
// to a csauth broker. It serves a home page with a login link and shows
// the user data the broker hands back.
package main

import (
	"html/template"
	"net/http"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/heroku/csauth/gateway"
)

const homePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Example site</title>
	</head>
	<body>
		<h1>Example site</h1>
		<p><a href="/login">Log in via the auth server</a></p>
	</body>
</html>`

const welcomePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Logged in</title>
	</head>
	<body>
		<h1>Logged in</h1>
		<dl>
		{{- range $k, $v := . }}
			<dt>{{ $k }}</dt><dd>{{ $v }}</dd>
		{{- end }}
		</dl>
	</body>
</html>`

var (
	homeTmpl    = template.Must(template.New("homePage").Parse(homePage))
	welcomeTmpl = template.Must(template.New("welcomePage").Parse(welcomePage))
)

func main() {
	l := logrus.New()

	var (
		listen  = kingpin.Flag("listen", "Addr to listen on").Default("127.0.0.1:8084").String()
		authURL = kingpin.Flag("auth-url", "URL of the csauth broker endpoint").Default("http://localhost:8085/auth").String()
		token   = kingpin.Flag("token", "Site token registered with the broker").Default("example-site").String()
		secret  = kingpin.Flag("secret", "Site secret registered with the broker").Default("example-secret").String()
	)
	kingpin.Parse()

	login := &gateway.Handler{
		BrokerURL: *authURL,
		Token:     *token,
		Secret:    *secret,
		Logger:    l,
		OnLogin: func(w http.ResponseWriter, r *http.Request, userdata map[string]interface{}) {
			if err := welcomeTmpl.Execute(w, userdata); err != nil {
				l.WithError(err).Error("failed to render welcome page")
			}
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/login", login)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := homeTmpl.Execute(w, nil); err != nil {
			l.WithError(err).Error("failed to render home page")
		}
	})

	l.Infof("Listening on %s", *listen)
	l.WithError(http.ListenAndServe(*listen, mux)).Fatal()
}
