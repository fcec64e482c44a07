package reply

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "ewsdispatch/pkg/errors"
)

var templateExtensions = map[string]bool{
	".html":   true,
	".gohtml": true,
	".tmpl":   true,
}

// Templates holds the reply bodies keyed by file name without extension.
// Loaded once at startup and read-only afterwards.
type Templates struct {
	byName map[string]*template.Template
}

// LoadTemplates parses every template file in dir. A missing or empty
// directory is a CONFIGURATION_ERROR.
func LoadTemplates(dir string) (*Templates, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.ErrConfiguration.
			WithDetail("message", fmt.Sprintf("reply template directory %q is not readable", dir)).
			WithCause(err)
	}

	t := &Templates{byName: make(map[string]*template.Template)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !templateExtensions[ext] {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		tmpl, err := template.New(entry.Name()).Option("missingkey=error").ParseFiles(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, apperrors.ErrConfiguration.
				WithDetail("message", fmt.Sprintf("reply template %q does not parse", entry.Name())).
				WithCause(err)
		}
		t.byName[name] = tmpl
	}

	if len(t.byName) == 0 {
		return nil, apperrors.ErrConfiguration.
			WithDetail("message", fmt.Sprintf("reply template directory %q contains no templates", dir))
	}
	return t, nil
}

func NewTemplates(byName map[string]*template.Template) *Templates {
	return &Templates{byName: byName}
}

func (t *Templates) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

func (t *Templates) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Templates) Render(name string, data any) (string, error) {
	tmpl, ok := t.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown reply template %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render reply template %q: %w", name, err)
	}
	return buf.String(), nil
}
