package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/CTAG07/Quill/pkg/templating"
)

// RenderAPI serves the engine operations on raw content.
type RenderAPI struct {
	processor *templating.Processor
	stats     *StatsAPI
	logger    *slog.Logger
}

// ContentRequest is the JSON body of /api/process, /api/preview and /api/validate.
type ContentRequest struct {
	Content    string         `json:"content"`
	Variables  map[string]any `json:"variables"`
	Strict     *bool          `json:"strict"`
	TemplateID string         `json:"template_id"`
}

// ValidateResponse reports validation messages together with the content's statistics.
type ValidateResponse struct {
	templating.ValidationResult
	Statistics templating.Stats        `json:"statistics"`
	Loops      templating.LoopStats    `json:"loops"`
	Includes   templating.IncludeStats `json:"includes"`
}

// FunctionsResponse lists what templates may call.
type FunctionsResponse struct {
	Filters []string `json:"filters"`
	Helpers []string `json:"helpers"`
}

func NewRenderAPI(p *templating.Processor, stats *StatsAPI, logger *slog.Logger) *RenderAPI {
	return &RenderAPI{
		processor: p,
		stats:     stats,
		logger:    logger,
	}
}

// RegisterRoutes sets up the routing for the content endpoints.
func (a *RenderAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/process", a.handleProcess)
	mux.HandleFunc("/api/preview", a.handlePreview)
	mux.HandleFunc("/api/validate", a.handleValidate)
	mux.HandleFunc("/api/functions", a.handleFunctions)
}

func (a *RenderAPI) decodeContent(w http.ResponseWriter, r *http.Request, scope string) (*ContentRequest, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, false
	}
	if !hasScope(r, scope) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires '"+scope+"' scope")
		return nil, false
	}
	var req ContentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return nil, false
	}
	return &req, true
}

func (a *RenderAPI) handleProcess(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeContent(w, r, scopeRender)
	if !ok {
		return
	}
	start := time.Now()
	res, err := a.processor.Process(r.Context(), req.Content, req.Variables, templating.Options{
		StrictMode: req.Strict,
		TemplateID: req.TemplateID,
	})
	if a.stats != nil {
		a.stats.Record(r.Context(), req.TemplateID, time.Since(start), err != nil)
	}
	if err != nil {
		respondWithEngineError(w, a.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (a *RenderAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeContent(w, r, scopeRender)
	if !ok {
		return
	}
	res, err := a.processor.Preview(r.Context(), req.Content, req.Variables, templating.Options{
		StrictMode: req.Strict,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		respondWithEngineError(w, a.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// handleValidate never fails on bad content: problems are reported in the body.
func (a *RenderAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeContent(w, r, scopeTemplatesRead)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, ValidateResponse{
		ValidationResult: a.processor.Validate(req.Content),
		Statistics:       templating.Statistics(req.Content),
		Loops:            a.processor.Loops().Statistics(req.Content, req.Variables),
		Includes:         a.processor.Includes().Statistics(req.Content),
	})
}

func (a *RenderAPI) handleFunctions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !hasScope(r, scopeTemplatesRead) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'templates:read' scope")
		return
	}
	respondWithJSON(w, http.StatusOK, FunctionsResponse{
		Filters: templating.FilterNames(),
		Helpers: a.processor.Sandbox().HelperNames(),
	})
}

// engineStatus maps an engine error to an HTTP status code.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, templating.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case templating.KindOf(err) != 0:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondWithEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := engineStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error("Template processing failed", "error", err)
		respondWithError(w, code, err.Error())
		return
	}
	logger.Warn("Template processing rejected", "kind", templating.KindOf(err).String(), "error", err)
	body := map[string]string{"error": err.Error()}
	if kind := templating.KindOf(err); kind != 0 {
		body["kind"] = kind.String()
	}
	respondWithJSON(w, code, body)
}
