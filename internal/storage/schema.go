package storage

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"testing/fstest"
	"text/template"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// renderMigrations expands table names in every embedded migration and
// returns them as an in-memory filesystem rooted at the migration files.
func renderMigrations(t Tables) (fs.FS, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	out := fstest.MapFS{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		tpl, err := template.New(e.Name()).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse migration %s: %w", e.Name(), err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, t); err != nil {
			return nil, fmt.Errorf("render migration %s: %w", e.Name(), err)
		}
		out[e.Name()] = &fstest.MapFile{Data: buf.Bytes(), Mode: 0o644}
	}
	return out, nil
}

// upScript returns every rendered *.up.sql concatenated in version order.
func upScript(t Tables) (string, error) {
	rendered, err := renderMigrations(t)
	if err != nil {
		return "", err
	}
	names, err := fs.Glob(rendered, "*.up.sql")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, n := range names {
		b, err := fs.ReadFile(rendered, n)
		if err != nil {
			return "", err
		}
		buf.Write(b)
		buf.WriteString("\n")
	}
	return buf.String(), nil
}
