package store

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// templateSource adapts a template slice to fuzzy.Source. Each entry is
// matched against "name id category tags".
type templateSource []*Template

func (s templateSource) String(i int) string {
	t := s[i]
	return strings.Join(append([]string{t.Name, t.ID, t.Category}, t.Tags...), " ")
}

func (s templateSource) Len() int {
	return len(s)
}

// Search returns the templates that fuzzy-match query, best match first.
// An empty query returns templates unchanged.
func Search(templates []*Template, query string) []*Template {
	query = strings.TrimSpace(query)
	if query == "" {
		return templates
	}
	matches := fuzzy.FindFrom(query, templateSource(templates))
	out := make([]*Template, 0, len(matches))
	for _, m := range matches {
		out = append(out, templates[m.Index])
	}
	return out
}

// FilterByCategory returns the templates in the given category.
func FilterByCategory(templates []*Template, category string) []*Template {
	if category == "" {
		return templates
	}
	var out []*Template
	for _, t := range templates {
		if strings.EqualFold(t.Category, category) {
			out = append(out, t)
		}
	}
	return out
}
