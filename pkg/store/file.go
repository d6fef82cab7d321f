package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// FileExtension is the suffix of template documents managed by FileStore.
const FileExtension = ".tmpl.md"

const frontmatterDelimiter = "---"

// FileStore keeps one document per template in a directory. Each document is
// YAML frontmatter followed by the raw template content. Reads are served from
// an in-memory snapshot that is rebuilt by Refresh; writes go to disk
// atomically and then update the snapshot.
type FileStore struct {
	dir       string
	logger    *slog.Logger
	templates map[string]*Template
	now       func() time.Time
	mu        sync.RWMutex
	writeMu   sync.Mutex
}

// NewFileStore creates the directory if needed and loads every template in it.
func NewFileStore(logger *slog.Logger, dir string) (*FileStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create template directory %s: %w", dir, err)
	}
	fs := &FileStore{
		dir:       dir,
		logger:    logger,
		templates: make(map[string]*Template),
		now:       time.Now,
	}
	if err := fs.Refresh(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Dir returns the directory backing the store.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Refresh reloads every template document from disk and swaps the snapshot.
// Documents that fail to parse are logged and skipped.
func (fs *FileStore) Refresh() error {
	pattern := filepath.Join(fs.dir, "*"+FileExtension)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to list template files: %w", err)
	}

	loaded := make(map[string]*Template, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fs.logger.Error("failed to read template file", "path", path, "error", err)
			continue
		}
		t, err := decodeDocument(data)
		if err != nil {
			fs.logger.Error("failed to parse template file", "path", path, "error", err)
			continue
		}
		if expected := strings.TrimSuffix(filepath.Base(path), FileExtension); t.ID != expected {
			fs.logger.Warn("template id does not match file name, using file name", "path", path, "id", t.ID)
			t.ID = expected
		}
		loaded[t.ID] = t
	}

	fs.mu.Lock()
	fs.templates = loaded
	fs.mu.Unlock()

	if len(loaded) == 0 {
		fs.logger.Warn("No template files found matching pattern", "pattern", pattern)
	}
	fs.logger.Info("Loaded template files", "count", len(loaded))
	return nil
}

// Watch reloads the snapshot whenever a template document in the directory is
// written, created, removed or renamed. Bursts of events are debounced. Watch
// blocks until ctx is cancelled.
func (fs *FileStore) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func(watcher *fsnotify.Watcher) {
		_ = watcher.Close()
	}(watcher)

	if err = watcher.Add(fs.dir); err != nil {
		return fmt.Errorf("failed to watch template directory %s: %w", fs.dir, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, FileExtension) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			fs.logger.Debug("Template watcher detected change", "file", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := fs.Refresh(); err != nil {
					fs.logger.Error("failed to refresh templates after change", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.logger.Warn("Template watcher error", "error", err)
		}
	}
}

// Read returns a copy of the template from the current snapshot.
func (fs *FileStore) Read(_ context.Context, id string) (*Template, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	t, ok := fs.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Create writes a new template document.
func (fs *FileStore) Create(ctx context.Context, t *Template, overwrite bool) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	existing, err := fs.Read(ctx, t.ID)
	if err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		return fs.persist(applyUpdate(existing, t, fs.now()))
	}
	created, err := prepareNew(t, fs.now())
	if err != nil {
		return nil, err
	}
	return fs.persist(created)
}

// Update rewrites an existing template document.
func (fs *FileStore) Update(ctx context.Context, t *Template) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	existing, err := fs.Read(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return fs.persist(applyUpdate(existing, t, fs.now()))
}

// Delete removes the template document.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	if _, err := fs.Read(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete template file: %w", err)
	}
	fs.mu.Lock()
	delete(fs.templates, id)
	fs.mu.Unlock()
	return nil
}

// List returns all templates ordered by id.
func (fs *FileStore) List(_ context.Context) ([]*Template, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*Template, 0, len(fs.templates))
	for _, t := range fs.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+FileExtension)
}

func (fs *FileStore) persist(t *Template) (*Template, error) {
	data, err := encodeDocument(t)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize template %q: %w", t.ID, err)
	}
	if err = atomic.WriteFile(fs.path(t.ID), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to write template file: %w", err)
	}
	fs.mu.Lock()
	fs.templates[t.ID] = t
	fs.mu.Unlock()
	return t.Clone(), nil
}

// encodeDocument serializes a template as YAML frontmatter plus content.
func encodeDocument(t *Template) ([]byte, error) {
	front, err := yaml.Marshal(t)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.Write(front)
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.WriteString(t.Content)
	return buf.Bytes(), nil
}

// decodeDocument parses a document produced by encodeDocument. The content is
// everything after the closing delimiter line, byte for byte.
func decodeDocument(data []byte) (*Template, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	first, err := reader.ReadString('\n')
	if err != nil || strings.TrimRight(first, "\r\n") != frontmatterDelimiter {
		return nil, errors.New("missing frontmatter delimiter")
	}

	var front strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if strings.TrimRight(line, "\r\n") == frontmatterDelimiter {
			break
		}
		if err != nil {
			return nil, errors.New("unterminated frontmatter")
		}
		front.WriteString(line)
	}

	var t Template
	if err = yaml.Unmarshal([]byte(front.String()), &t); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	t.Content = string(content)
	t.Tags = NormalizeTags(t.Tags)
	return &t, nil
}
