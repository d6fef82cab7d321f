package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_template (
    template_id   TEXT    PRIMARY KEY,
    total_renders INTEGER NOT NULL DEFAULT 1,
    failures      INTEGER NOT NULL DEFAULT 0,
    total_micros  INTEGER NOT NULL DEFAULT 0,
    first_seen    INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
);
`

// adHocTemplateID is the stats key for renders of raw content.
const adHocTemplateID = "(inline)"

// TemplateMetrics is the render history of a single template.
type TemplateMetrics struct {
	TemplateID   string    `json:"template_id"`
	TotalRenders int       `json:"total_renders"`
	Failures     int       `json:"failures"`
	AvgMicros    int64     `json:"avg_micros"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// GlobalStatsSummary provides a high-level overview of all collected stats.
type GlobalStatsSummary struct {
	TotalRenders    int64 `json:"total_renders"`
	TotalFailures   int64 `json:"total_failures"`
	UniqueTemplates int64 `json:"unique_templates"`
}

// StatsAPI records render outcomes and serves them back.
type StatsAPI struct {
	db     *sql.DB
	logger *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:     db,
		logger: logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/templates", s.handleTopTemplates)
}

// Record upserts one render of templateID. Failures to record are logged and
// never affect the render itself.
func (s *StatsAPI) Record(ctx context.Context, templateID string, elapsed time.Duration, failed bool) {
	if templateID == "" {
		templateID = adHocTemplateID
	}
	now := time.Now().Unix()
	failures := 0
	if failed {
		failures = 1
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stats_template (template_id, failures, total_micros, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(template_id) DO UPDATE SET
            total_renders = total_renders + 1,
            failures = failures + excluded.failures,
            total_micros = total_micros + excluded.total_micros,
            last_seen = excluded.last_seen
    `, templateID, failures, elapsed.Microseconds(), now, now)
	if err != nil {
		s.logger.Warn("Failed to record render stats", "template", templateID, "error", err)
	}
}

// Metrics returns the render history of templateID.
func (s *StatsAPI) Metrics(ctx context.Context, templateID string) (*TemplateMetrics, error) {
	m := &TemplateMetrics{TemplateID: templateID}
	var totalMicros, first, last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT total_renders, failures, total_micros, first_seen, last_seen FROM stats_template WHERE template_id = ?",
		templateID).Scan(&m.TotalRenders, &m.Failures, &totalMicros, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve stats for %q: %w", templateID, err)
	}
	fillMetrics(m, totalMicros, first, last)
	return m, nil
}

func fillMetrics(m *TemplateMetrics, totalMicros, first, last int64) {
	if m.TotalRenders > 0 {
		m.AvgMicros = totalMicros / int64(m.TotalRenders)
	}
	m.FirstSeen = time.Unix(first, 0).UTC()
	m.LastSeen = time.Unix(last, 0).UTC()
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, scopeStatsRead) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'stats:read' scope")
		return
	}
	var summary GlobalStatsSummary
	err := s.db.QueryRowContext(r.Context(),
		"SELECT COALESCE(SUM(total_renders), 0), COALESCE(SUM(failures), 0), COUNT(*) FROM stats_template").
		Scan(&summary.TotalRenders, &summary.TotalFailures, &summary.UniqueTemplates)
	if err != nil {
		s.logger.Error("Failed to query stats summary", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *StatsAPI) handleTopTemplates(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, scopeStatsRead) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'stats:read' scope")
		return
	}
	rows, err := s.db.QueryContext(r.Context(),
		"SELECT template_id, total_renders, failures, total_micros, first_seen, last_seen FROM stats_template ORDER BY total_renders DESC, template_id LIMIT 100")
	if err != nil {
		s.logger.Error("Failed to query top templates", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := []TemplateMetrics{}
	for rows.Next() {
		var m TemplateMetrics
		var totalMicros, first, last int64
		if err = rows.Scan(&m.TemplateID, &m.TotalRenders, &m.Failures, &totalMicros, &first, &last); err != nil {
			s.logger.Error("Failed to scan top templates", "error", err)
			continue
		}
		fillMetrics(&m, totalMicros, first, last)
		results = append(results, m)
	}
	respondWithJSON(w, http.StatusOK, results)
}
