package webassets

import "embed"

// FS holds the HTML templates and the stylesheet served by the server.
//
//go:embed templates/*.tmpl static/streamgate.css
var FS embed.FS
