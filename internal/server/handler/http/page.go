package http

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/index.html
var templates embed.FS

var pageTemplate = template.Must(template.ParseFS(templates, "templates/index.html"))

// PageHandler serves the single page that drives the live channel.
type PageHandler struct {
	// Provider is the OAuth provider offered on the sign-in link.
	Provider string
}

// Index handles GET /.
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, struct{ Provider string }{h.Provider}); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
