package hostauth

import (
	_ "embed"
	"html/template"
)

//go:embed templates/callback.html
var callbackPageHTML string

//go:embed templates/relay.html
var relayPageHTML string

var callbackPage = template.Must(template.New("callback").Parse(callbackPageHTML))
var relayPage = template.Must(template.New("relay").Parse(relayPageHTML))

// callbackPageData is shown in the browser once a callback was received.
type callbackPageData struct {
	Title   string
	Message string
	Error   string
}

// relayPageData drives the page that posts the URL fragment back.
type relayPageData struct {
	SubmitPath string
}
