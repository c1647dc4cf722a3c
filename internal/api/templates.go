package api

import (
	"embed"
	"html/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

//go:embed templates/*
var templateFS embed.FS

// newTemplates parses the page templates with the Sprig functions plus a few
// of our own.
func newTemplates() *template.Template {
	funcs := sprig.HtmlFuncMap()
	funcs["hour"] = func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04")
	}
	funcs["deref"] = func(f *float64) float64 {
		if f == nil {
			return 0
		}
		return *f
	}
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
}
