package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id            INTEGER   PRIMARY KEY,
    key_hash      TEXT      NOT NULL UNIQUE,
    scopes        TEXT      NOT NULL,
    description   TEXT      NOT NULL,
    created_at    INTEGER   NOT NULL DEFAULT 0
);
`

// authHeader carries the raw API key on every authenticated request.
const authHeader = "quill-auth"

// Scopes understood by the API. "*" grants all of them.
const (
	scopeMaster         = "*"
	scopeTemplatesRead  = "templates:read"
	scopeTemplatesWrite = "templates:write"
	scopeRender         = "templates:render"
	scopeStatsRead      = "stats:read"
	scopeServerConfig   = "server:config"
	scopeServerControl  = "server:control"
	scopeAuthManage     = "auth:manage"
)

var knownScopes = []string{
	scopeMaster, scopeTemplatesRead, scopeTemplatesWrite, scopeRender,
	scopeStatsRead, scopeServerConfig, scopeServerControl, scopeAuthManage,
}

var (
	errKeyNotFound   = errors.New("key not found")
	errLastMasterKey = errors.New("cannot delete the last key with the '*' scope")
)

type contextKey string

const contextKeyPermissions = contextKey("permissions")

// Permissions holds the authentication info for a request.
type Permissions struct {
	KeyID    int
	ScopeSet map[string]struct{}
}

func newPermissions(id int, scopes []string) *Permissions {
	p := &Permissions{KeyID: id, ScopeSet: make(map[string]struct{}, len(scopes))}
	for _, s := range scopes {
		p.ScopeSet[s] = struct{}{}
	}
	return p
}

// Has reports whether the permission set grants scope.
func (p *Permissions) Has(scope string) bool {
	if _, ok := p.ScopeSet[scopeMaster]; ok {
		return true
	}
	_, ok := p.ScopeSet[scope]
	return ok
}

// Scopes returns the granted scopes in sorted order.
func (p *Permissions) Scopes() []string {
	scopes := make([]string, 0, len(p.ScopeSet))
	for s := range p.ScopeSet {
		scopes = append(scopes, s)
	}
	slices.Sort(scopes)
	return scopes
}

// APIKeyInfo is the structure returned when listing keys.
type APIKeyInfo struct {
	ID          int       `json:"id"`
	Scopes      []string  `json:"scopes"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// keyRing stores hashed API keys. Raw keys never touch the database.
type keyRing struct {
	db *sql.DB
}

func setupAuthSchema(db *sql.DB) error {
	_, err := db.Exec(authSchema)
	return err
}

func (k keyRing) count(ctx context.Context) (int, error) {
	var n int
	err := k.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&n)
	return n, err
}

// lookup resolves a raw key. Unknown keys return errKeyNotFound.
func (k keyRing) lookup(ctx context.Context, rawKey string) (*Permissions, error) {
	var id int
	var scopes string
	err := k.db.QueryRowContext(ctx, "SELECT id, scopes FROM api_keys WHERE key_hash = ?", hashAPIKey(rawKey)).Scan(&id, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return newPermissions(id, strings.Fields(scopes)), nil
}

func (k keyRing) list(ctx context.Context) ([]APIKeyInfo, error) {
	rows, err := k.db.QueryContext(ctx, "SELECT id, description, scopes, created_at FROM api_keys ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	keys := []APIKeyInfo{}
	for rows.Next() {
		var info APIKeyInfo
		var scopes string
		var created int64
		if err = rows.Scan(&info.ID, &info.Description, &scopes, &created); err != nil {
			return nil, err
		}
		info.Scopes = strings.Fields(scopes)
		info.CreatedAt = time.Unix(created, 0).UTC()
		keys = append(keys, info)
	}
	return keys, rows.Err()
}

// mint generates a key, stores its hash and returns the raw key with its id.
func (k keyRing) mint(ctx context.Context, description string, scopes []string) (int, string, error) {
	rawKey, err := generateAPIKey()
	if err != nil {
		return 0, "", err
	}
	var id int
	err = k.db.QueryRowContext(ctx,
		"INSERT INTO api_keys (key_hash, description, scopes, created_at) VALUES (?, ?, ?, ?) RETURNING id",
		hashAPIKey(rawKey), description, strings.Join(scopes, " "), time.Now().Unix()).Scan(&id)
	if err != nil {
		return 0, "", fmt.Errorf("could not insert key: %w", err)
	}
	return id, rawKey, nil
}

// revoke deletes a key unless it is the last one holding the master scope.
func (k keyRing) revoke(ctx context.Context, id int) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var scopes string
	if err = tx.QueryRowContext(ctx, "SELECT scopes FROM api_keys WHERE id = ?", id).Scan(&scopes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errKeyNotFound
		}
		return err
	}
	if slices.Contains(strings.Fields(scopes), scopeMaster) {
		var masters int
		err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys WHERE (' ' || scopes || ' ') LIKE '% * %'").Scan(&masters)
		if err != nil {
			return err
		}
		if masters <= 1 {
			return errLastMasterKey
		}
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// AuthAPI serves /api/auth and guards the rest of the API.
type AuthAPI struct {
	keys   keyRing
	logger *slog.Logger
}

func NewAuthAPI(db *sql.DB, logger *slog.Logger) *AuthAPI {
	return &AuthAPI{keys: keyRing{db: db}, logger: logger}
}

// RegisterRoutes sets up the routing for all /api/auth endpoints.
func (a *AuthAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/me", a.handleCheckMe)
	mux.HandleFunc("/api/auth/keys", a.handleKeys)
	mux.HandleFunc("/api/auth/keys/", a.handleKeyByID)
}

// CreateKeyRequest is the expected JSON body for creating a new key.
type CreateKeyRequest struct {
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyResponse is the JSON response after creating a key.
type CreateKeyResponse struct {
	ID     int      `json:"id"`
	RawKey string   `json:"raw_key"`
	Scopes []string `json:"scopes"`
}

// Authenticate checks for a valid key in the quill-auth header. While no key
// exists the API is open and every request acts with the master scope.
func (a *AuthAPI) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := a.keys.count(r.Context())
		if err != nil {
			a.logger.Error("Authenticate failed to count keys", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		perms := newPermissions(0, []string{scopeMaster})
		if n > 0 {
			rawKey := r.Header.Get(authHeader)
			if rawKey == "" {
				respondWithError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
				return
			}
			if perms, err = a.keys.lookup(r.Context(), rawKey); err != nil {
				if errors.Is(err, errKeyNotFound) {
					respondWithError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
					return
				}
				a.logger.Error("Authenticate failed to look up key", "error", err)
				respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyPermissions, perms)))
	})
}

func (a *AuthAPI) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listKeys(w, r)
	case http.MethodPost:
		a.createKey(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *AuthAPI) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed for this key resource")
		return
	}
	id, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/auth/keys/"), "/"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid key ID format in URL")
		return
	}
	a.deleteKey(w, r, id)
}

func (a *AuthAPI) handleCheckMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	perms := permissionsFrom(r)
	if perms == nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"key_id": perms.KeyID,
		"scopes": perms.Scopes(),
	})
}

func (a *AuthAPI) listKeys(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	keys, err := a.keys.list(r.Context())
	if err != nil {
		a.logger.Error("Failed to list API keys", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, keys)
}

func (a *AuthAPI) createKey(w http.ResponseWriter, r *http.Request) {
	n, err := a.keys.count(r.Context())
	if err != nil {
		a.logger.Error("Failed to count API keys", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	// Once a key exists, minting new ones is a privileged operation.
	if n > 0 && !requireScope(w, r, scopeAuthManage) {
		return
	}

	var req CreateKeyRequest
	if err = decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	for _, s := range req.Scopes {
		if !slices.Contains(knownScopes, s) {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scope '%s'", s))
			return
		}
	}
	scopes := req.Scopes
	// The first key always gets the master scope so its owner cannot lock themselves out.
	if n == 0 {
		scopes = []string{scopeMaster}
	}

	id, rawKey, err := a.keys.mint(r.Context(), req.Description, scopes)
	if err != nil {
		a.logger.Error("Failed to create API key", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to save new key")
		return
	}
	a.logger.Info("API key created", "id", id, "scopes", scopes)
	respondWithJSON(w, http.StatusCreated, CreateKeyResponse{ID: id, RawKey: rawKey, Scopes: scopes})
}

func (a *AuthAPI) deleteKey(w http.ResponseWriter, r *http.Request, id int) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	switch err := a.keys.revoke(r.Context(), id); {
	case err == nil:
		a.logger.Info("API key revoked", "id", id)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errKeyNotFound):
		respondWithError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, errLastMasterKey):
		respondWithError(w, http.StatusBadRequest, "Cannot delete the last master key")
	default:
		a.logger.Error("Failed to delete API key", "id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to delete key")
	}
}

func permissionsFrom(r *http.Request) *Permissions {
	perms, _ := r.Context().Value(contextKeyPermissions).(*Permissions)
	return perms
}

// hasScope checks if the permission set in the request context includes a required scope.
func hasScope(r *http.Request, scope string) bool {
	perms := permissionsFrom(r)
	return perms != nil && perms.Has(scope)
}

// requireScope writes a 403 and returns false when the request lacks scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if hasScope(r, scope) {
		return true
	}
	respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' scope", scope))
	return false
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return "quill_" + hex.EncodeToString(buf), nil
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to encode JSON response", "error", err)
		}
	}
}
