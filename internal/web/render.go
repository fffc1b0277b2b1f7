// Package web renders the rendezvous service dashboard.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/natpunch/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{
		"since": func(t time.Time) string { return time.Since(t).Truncate(time.Second).String() },
		"clock": func(t time.Time) string { return t.Format("15:04:05") },
	})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

// Render writes the named template (which can rely on base) to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}
