package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// SetupSchema creates the templates table. It is idempotent and safe to call
// on an already-initialized database.
func SetupSchema(db *sql.DB) error {
	const schemaTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    template_id TEXT    PRIMARY KEY,
    name        TEXT    NOT NULL,
    content     TEXT    NOT NULL,
    category    TEXT    NOT NULL DEFAULT '',
    tags        TEXT    NOT NULL DEFAULT '[]',
    extra       TEXT    NOT NULL DEFAULT '{}',
    stats       TEXT    NOT NULL DEFAULT '{}',
    version     TEXT    NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`
	const indexCategory = `CREATE INDEX IF NOT EXISTS idx_templates_category ON templates (category);`

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaTemplates); err != nil {
		return fmt.Errorf("could not create templates schema: %w", err)
	}
	if _, err = tx.Exec(indexCategory); err != nil {
		return fmt.Errorf("could not create category index: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// SQLiteStore is a Store backed by a SQLite database. Every write runs in a
// transaction so readers never observe a partially written template.
type SQLiteStore struct {
	db         *sql.DB
	stmtGet    *sql.Stmt
	stmtList   *sql.Stmt
	stmtInsert *sql.Stmt
	stmtUpdate *sql.Stmt
	stmtDelete *sql.Stmt
	logger     *slog.Logger
	now        func() time.Time
}

const templateColumns = `template_id, name, content, category, tags, extra, stats, version, created_at, updated_at`

// NewSQLiteStore prepares all statements against db. SetupSchema must have
// been called on db beforehand.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	stmtGet, err := db.Prepare(`SELECT ` + templateColumns + ` FROM templates WHERE template_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtList, err := db.Prepare(`SELECT ` + templateColumns + ` FROM templates ORDER BY template_id;`)
	if err != nil {
		return nil, err
	}

	stmtInsert, err := db.Prepare(`INSERT INTO templates (` + templateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return nil, err
	}

	stmtUpdate, err := db.Prepare(`UPDATE templates SET name = ?, content = ?, category = ?, tags = ?, extra = ?, stats = ?, version = ?, updated_at = ? WHERE template_id = ?;`)
	if err != nil {
		return nil, err
	}

	stmtDelete, err := db.Prepare(`DELETE FROM templates WHERE template_id = ?;`)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db:         db,
		stmtGet:    stmtGet,
		stmtList:   stmtList,
		stmtInsert: stmtInsert,
		stmtUpdate: stmtUpdate,
		stmtDelete: stmtDelete,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}, nil
}

// Close releases the prepared statements. The database itself is owned by the caller.
func (s *SQLiteStore) Close() {
	_ = s.stmtGet.Close()
	_ = s.stmtList.Close()
	_ = s.stmtInsert.Close()
	_ = s.stmtUpdate.Close()
	_ = s.stmtDelete.Close()
}

// SetLogger sets the logger for the store. By default, all logs are discarded.
func (s *SQLiteStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		t                    Template
		tags, extra, stats   string
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Content, &t.Category, &tags, &extra, &stats,
		&t.Metadata.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for template %q: %w", t.ID, err)
	}
	if err = json.Unmarshal([]byte(extra), &t.Metadata.Extra); err != nil {
		return nil, fmt.Errorf("corrupt metadata for template %q: %w", t.ID, err)
	}
	if err = json.Unmarshal([]byte(stats), &t.Stats); err != nil {
		return nil, fmt.Errorf("corrupt stats for template %q: %w", t.ID, err)
	}
	if len(t.Metadata.Extra) == 0 {
		t.Metadata.Extra = nil
	}
	t.Metadata.CreatedAt = time.Unix(0, createdAt).UTC()
	t.Metadata.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}

type encodedFields struct {
	tags, extra, stats string
}

func encodeFields(t *Template) (encodedFields, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return encodedFields{}, err
	}
	extra := t.Metadata.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return encodedFields{}, fmt.Errorf("metadata for template %q is not serializable: %w", t.ID, err)
	}
	statsJSON, err := json.Marshal(t.Stats)
	if err != nil {
		return encodedFields{}, err
	}
	return encodedFields{tags: string(tagsJSON), extra: string(extraJSON), stats: string(statsJSON)}, nil
}

// Read returns the template with the given id.
func (s *SQLiteStore) Read(ctx context.Context, id string) (*Template, error) {
	t, err := scanTemplate(s.stmtGet.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Create inserts a new template, or updates it when overwrite is set and the id exists.
func (s *SQLiteStore) Create(ctx context.Context, t *Template, overwrite bool) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	existing, err := scanTemplate(tx.StmtContext(ctx, s.stmtGet).QueryRowContext(ctx, t.ID))
	switch {
	case err == nil:
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		updated := applyUpdate(existing, t, s.now())
		if err = s.execUpdate(ctx, tx, updated); err != nil {
			return nil, err
		}
		if err = tx.Commit(); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "Template overwritten",
			slog.String("template_id", updated.ID),
			slog.String("version", updated.Metadata.Version),
		)
		return updated, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up template %q: %w", t.ID, err)
	}

	created, err := prepareNew(t, s.now())
	if err != nil {
		return nil, err
	}
	fields, err := encodeFields(created)
	if err != nil {
		return nil, err
	}
	_, err = tx.StmtContext(ctx, s.stmtInsert).ExecContext(ctx,
		created.ID, created.Name, created.Content, created.Category,
		fields.tags, fields.extra, fields.stats, created.Metadata.Version,
		created.Metadata.CreatedAt.UnixNano(), created.Metadata.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert template %q: %w", created.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Template created", slog.String("template_id", created.ID))
	return created, nil
}

// Update replaces an existing template.
func (s *SQLiteStore) Update(ctx context.Context, t *Template) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	existing, err := scanTemplate(tx.StmtContext(ctx, s.stmtGet).QueryRowContext(ctx, t.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up template %q: %w", t.ID, err)
	}

	updated := applyUpdate(existing, t, s.now())
	if err = s.execUpdate(ctx, tx, updated); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Template updated",
		slog.String("template_id", updated.ID),
		slog.String("version", updated.Metadata.Version),
	)
	return updated, nil
}

func (s *SQLiteStore) execUpdate(ctx context.Context, tx *sql.Tx, t *Template) error {
	fields, err := encodeFields(t)
	if err != nil {
		return err
	}
	_, err = tx.StmtContext(ctx, s.stmtUpdate).ExecContext(ctx,
		t.Name, t.Content, t.Category, fields.tags, fields.extra, fields.stats,
		t.Metadata.Version, t.Metadata.UpdatedAt.UnixNano(), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update template %q: %w", t.ID, err)
	}
	return nil
}

// Delete removes a template.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.logger.InfoContext(ctx, "Template deleted", slog.String("template_id", id))
	return nil
}

// List returns all templates ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.stmtList.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
