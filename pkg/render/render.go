// Package render turns project feed events into the human-readable system
// messages stored under projects/{id}/messages.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	ProjectCreated  = "project_created"
	MembersInvited  = "members_invited"
	MemberJoined    = "member_joined"
	MemberDeclined  = "member_declined"
	SettingsChanged = "settings_changed"
	StatusChanged   = "status_changed"
)

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"roleNoun": roleNoun,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// MustNew is New for package-level initialisation, where the embedded
// templates are known to parse.
func MustNew() *Engine {
	e, err := New()
	if err != nil {
		panic(err)
	}
	return e
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return strings.TrimSpace(buf.String()), nil
}

func roleNoun(role string, count int) string {
	var noun string
	switch role {
	case "Tech":
		noun = "technician"
	case "GC":
		noun = "general contractor"
	default:
		noun = "subcontractor"
	}
	if count == 1 {
		return noun
	}
	return noun + "s"
}
