package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CTAG07/Quill/pkg/store"
	"github.com/CTAG07/Quill/pkg/templating"
)

// TemplateAPI holds the dependencies for the template API handlers.
type TemplateAPI struct {
	store     store.Store
	processor *templating.Processor
	stats     *StatsAPI
	logger    *slog.Logger
}

// TemplateRequest is the JSON body for creating or updating a template.
type TemplateRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Content  string         `json:"content"`
	Category string         `json:"category"`
	Tags     []string       `json:"tags"`
	Extra    map[string]any `json:"extra"`
}

// RenderRequest is the JSON body for rendering a stored template.
type RenderRequest struct {
	Variables map[string]any `json:"variables"`
	Strict    *bool          `json:"strict"`
	Preview   bool           `json:"preview"`
}

// NewTemplateAPI creates a new instance of the TemplateAPI.
func NewTemplateAPI(s store.Store, p *templating.Processor, stats *StatsAPI, logger *slog.Logger) *TemplateAPI {
	return &TemplateAPI{
		store:     s,
		processor: p,
		stats:     stats,
		logger:    logger,
	}
}

// RegisterRoutes sets up the routing for all /api/templates endpoints.
func (t *TemplateAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/templates", t.handleCollection)
	mux.HandleFunc("/api/templates/", t.handleItem)
}

func (t *TemplateAPI) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleList(w, r)
	case http.MethodPost:
		t.handleCreate(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleItem routes /api/templates/{id} and /api/templates/{id}/render.
func (t *TemplateAPI) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		respondWithError(w, http.StatusNotFound, "Not Found")
		return
	}

	switch action {
	case "render":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		t.handleRender(w, r, id)
		return
	case "":
	default:
		respondWithError(w, http.StatusNotFound, "Not Found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		t.handleGet(w, r, id)
	case http.MethodPut:
		t.handleUpdate(w, r, id)
	case http.MethodDelete:
		t.handleDelete(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleList returns all templates, optionally fuzzy-filtered by ?q= and ?category=.
func (t *TemplateAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, scopeTemplatesRead) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:read' scope")
		return
	}
	templates, err := t.store.List(r.Context())
	if err != nil {
		t.logger.Error("Failed to list templates", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list templates: %v", err))
		return
	}
	templates = store.FilterByCategory(templates, r.URL.Query().Get("category"))
	templates = store.Search(templates, r.URL.Query().Get("q"))
	if templates == nil {
		templates = []*store.Template{}
	}
	respondWithJSON(w, http.StatusOK, templates)
}

func (t *TemplateAPI) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if !hasScope(r, scopeTemplatesRead) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:read' scope")
		return
	}
	tmpl, err := t.store.Read(r.Context(), id)
	if err != nil {
		t.respondWithStoreError(w, id, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tmpl)
}

func (t *TemplateAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, scopeTemplatesWrite) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:write' scope")
		return
	}
	tmpl, ok := t.decodeTemplate(w, r, "")
	if !ok {
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))

	saved, err := t.store.Create(r.Context(), tmpl, overwrite)
	if err != nil {
		t.respondWithStoreError(w, tmpl.ID, err)
		return
	}
	t.logger.Info("Template saved via API", "template", saved.ID, "version", saved.Metadata.Version)
	respondWithJSON(w, http.StatusCreated, saved)
}

func (t *TemplateAPI) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	if !hasScope(r, scopeTemplatesWrite) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:write' scope")
		return
	}
	tmpl, ok := t.decodeTemplate(w, r, id)
	if !ok {
		return
	}
	saved, err := t.store.Update(r.Context(), tmpl)
	if err != nil {
		t.respondWithStoreError(w, id, err)
		return
	}
	t.logger.Info("Template updated via API", "template", saved.ID, "version", saved.Metadata.Version)
	respondWithJSON(w, http.StatusOK, saved)
}

func (t *TemplateAPI) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if !hasScope(r, scopeTemplatesWrite) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:write' scope")
		return
	}
	if err := t.store.Delete(r.Context(), id); err != nil {
		t.respondWithStoreError(w, id, err)
		return
	}
	t.logger.Info("Template deleted via API", "template", id)
	w.WriteHeader(http.StatusNoContent)
}

// decodeTemplate reads a TemplateRequest, rejects content with structural
// errors and attaches fresh parse statistics. pathID, when set, wins over the body id.
func (t *TemplateAPI) decodeTemplate(w http.ResponseWriter, r *http.Request, pathID string) (*store.Template, bool) {
	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return nil, false
	}
	if pathID != "" {
		req.ID = pathID
	}
	if err := store.ValidateID(req.ID); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	if res := t.processor.Validate(req.Content); !res.Valid {
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "Template content is invalid",
			"validation": res,
		})
		return nil, false
	}

	return &store.Template{
		ID:       req.ID,
		Name:     req.Name,
		Content:  req.Content,
		Category: req.Category,
		Tags:     req.Tags,
		Metadata: store.Metadata{Extra: req.Extra},
		Stats:    templating.Statistics(req.Content).StoreStats(),
	}, true
}

// handleRender renders a stored template. Preview renders read the template
// the same way but go through Processor.Preview.
func (t *TemplateAPI) handleRender(w http.ResponseWriter, r *http.Request, id string) {
	if !hasScope(r, scopeRender) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:render' scope")
		return
	}
	var req RenderRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
	}
	opts := templating.Options{StrictMode: req.Strict}

	start := time.Now()
	var res *templating.Result
	var err error
	if req.Preview {
		var tmpl *store.Template
		tmpl, err = t.store.Read(r.Context(), id)
		if err != nil {
			t.respondWithStoreError(w, id, err)
			return
		}
		opts.TemplateID = id
		res, err = t.processor.Preview(r.Context(), tmpl.Content, req.Variables, opts)
	} else {
		res, err = t.processor.ProcessTemplate(r.Context(), id, req.Variables, opts)
		if t.stats != nil {
			t.stats.Record(r.Context(), id, time.Since(start), err != nil)
		}
	}
	if err != nil {
		respondWithEngineError(w, t.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (t *TemplateAPI) respondWithStoreError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Template '%s' not found", id))
	case errors.Is(err, store.ErrExists):
		respondWithError(w, http.StatusConflict, fmt.Sprintf("Template '%s' already exists", id))
	case errors.Is(err, store.ErrInvalidID):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		t.logger.Error("Template store operation failed", "template", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Template store error: %v", err))
	}
}
