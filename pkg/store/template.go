package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// InitialVersion is the version assigned to newly created templates.
const InitialVersion = "1.0.0"

var (
	// ErrNotFound is returned when a template id does not exist in the store.
	ErrNotFound = errors.New("template not found")
	// ErrExists is returned by Create when the id is already taken and overwrite was not requested.
	ErrExists = errors.New("template already exists")
	// ErrInvalidID is returned when a template id contains characters the stores cannot persist.
	ErrInvalidID = errors.New("invalid template id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.]*$`)

// Template is a stored document template.
type Template struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Content  string   `json:"content" yaml:"-"`
	Category string   `json:"category" yaml:"category,omitempty"`
	Tags     []string `json:"tags" yaml:"tags,omitempty"`
	Metadata Metadata `json:"metadata" yaml:"metadata"`
	Stats    Stats    `json:"stats" yaml:"stats,omitempty"`
}

// Metadata carries the bookkeeping fields of a template. Extra holds any
// caller-defined fields and is persisted alongside the fixed ones.
type Metadata struct {
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
	Version   string         `json:"version" yaml:"version"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Stats is a snapshot of the parse statistics of a template's content.
// It is derived data: stores persist it but never compute it.
type Stats struct {
	Variables       int    `json:"variables" yaml:"variables"`
	Scripts         int    `json:"scripts" yaml:"scripts"`
	Comments        int    `json:"comments" yaml:"comments"`
	Includes        int    `json:"includes" yaml:"includes"`
	Loops           int    `json:"loops" yaml:"loops"`
	ComplexityScore int    `json:"complexity_score" yaml:"complexity_score"`
	Complexity      string `json:"complexity" yaml:"complexity"`
}

// Reader is the only capability the engine consumes from storage.
type Reader interface {
	// Read returns a copy of the template with the given id, or ErrNotFound.
	Read(ctx context.Context, id string) (*Template, error)
}

// Store is the full read/write contract implemented by every backend.
type Store interface {
	Reader
	// Create stores a new template. If the id exists, Create fails with ErrExists
	// unless overwrite is set, in which case it behaves exactly like Update.
	Create(ctx context.Context, t *Template, overwrite bool) (*Template, error)
	// Update replaces an existing template, bumping its version when the content changed.
	Update(ctx context.Context, t *Template) (*Template, error)
	// Delete removes a template, returning ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
	// List returns copies of all templates ordered by id.
	List(ctx context.Context) ([]*Template, error)
}

// ValidateID reports whether id can be stored by every backend.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// NormalizeTags trims tags, drops empty ones and suppresses duplicates while
// keeping the first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// BumpVersion increments the patch component of a semantic version. Versions
// that do not parse restart at InitialVersion.
func BumpVersion(v string) string {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return InitialVersion
	}
	return parsed.IncPatch().String()
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	c.Metadata.Extra = cloneExtra(t.Metadata.Extra)
	return &c
}

func cloneExtra(extra map[string]any) map[string]any {
	if extra == nil {
		return nil
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneExtra(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// prepareNew validates an incoming template and fills in creation metadata.
func prepareNew(t *Template, now time.Time) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	if err := ValidateID(t.ID); err != nil {
		return nil, err
	}
	c := t.Clone()
	if c.Name == "" {
		c.Name = c.ID
	}
	c.Tags = NormalizeTags(c.Tags)
	c.Metadata.CreatedAt = now
	c.Metadata.UpdatedAt = now
	c.Metadata.Version = InitialVersion
	return c, nil
}

// applyUpdate merges an incoming template onto the existing record. CreatedAt is
// preserved, UpdatedAt is refreshed, and the version is bumped only when the
// content changed.
func applyUpdate(existing, incoming *Template, now time.Time) *Template {
	c := incoming.Clone()
	c.ID = existing.ID
	if c.Name == "" {
		c.Name = existing.Name
	}
	c.Tags = NormalizeTags(c.Tags)
	c.Metadata.CreatedAt = existing.Metadata.CreatedAt
	c.Metadata.UpdatedAt = now
	c.Metadata.Version = existing.Metadata.Version
	if c.Content != existing.Content {
		c.Metadata.Version = BumpVersion(existing.Metadata.Version)
	}
	if c.Metadata.Extra == nil {
		c.Metadata.Extra = cloneExtra(existing.Metadata.Extra)
	} else {
		merged := cloneExtra(existing.Metadata.Extra)
		if merged == nil {
			merged = make(map[string]any, len(c.Metadata.Extra))
		}
		maps.Copy(merged, c.Metadata.Extra)
		c.Metadata.Extra = merged
	}
	return c
}
