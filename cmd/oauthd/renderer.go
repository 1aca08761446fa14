package main

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo/v4"
)

//go:embed templates/*
var TemplateFS embed.FS

// Renders pongo2 templates compiled once at startup from an embedded filesystem.
type Renderer struct {
	templates map[string]*pongo2.Template
}

func NewRenderer(fsys fs.FS) (*Renderer, error) {
	entries, err := fs.ReadDir(fsys, "templates")
	if err != nil {
		return nil, err
	}
	r := &Renderer{templates: make(map[string]*pongo2.Template, len(entries))}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join("templates", ent.Name()))
		if err != nil {
			return nil, err
		}
		tpl, err := pongo2.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", ent.Name(), err)
		}
		r.templates[ent.Name()] = tpl
	}
	return r, nil
}

func (r *Renderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	tpl, ok := r.templates[name]
	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}
	var ctx pongo2.Context
	switch v := data.(type) {
	case pongo2.Context:
		ctx = v
	case map[string]interface{}:
		ctx = pongo2.Context(v)
	case nil:
		ctx = pongo2.Context{}
	default:
		return fmt.Errorf("unsupported template data type: %T", data)
	}
	return tpl.ExecuteWriter(ctx, w)
}
