package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/access"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

// Sessions is the in-memory side of a project.
type Sessions interface {
	Lookup(projectID string) (*fileset.FileSet, bool)
	Delete(projectID string)
	Len() int
}

type Saves interface {
	Cancel(projectID string)
}

type Rooms interface {
	CloseProject(projectID, reason string)
	ClientCount() int
}

type Presence interface {
	Count(projectID string) int
}

type Accounts interface {
	Register(ctx context.Context, email, username, password string) (accounts.Identity, error)
	Login(ctx context.Context, email, password string) (string, error)
	Authenticate(ctx context.Context, token string) (accounts.Identity, error)
	Resolve(ctx context.Context, email string) (accounts.Identity, error)
}

// Counter is implemented by stores that can report their size cheaply.
type Counter interface {
	CountProjects(ctx context.Context) (int, error)
}

type Deps struct {
	Projects store.Store
	Sessions Sessions
	Saves    Saves
	Rooms    Rooms
	Presence Presence
	Accounts Accounts
	Logger   *zap.Logger
}

type API struct {
	projects store.Store
	gate     *access.Gate
	sessions Sessions
	saves    Saves
	rooms    Rooms
	presence Presence
	accounts Accounts
	logger   *zap.Logger
}

func New(d Deps) *API {
	return &API{
		projects: d.Projects,
		gate:     access.NewGate(d.Projects),
		sessions: d.Sessions,
		saves:    d.Saves,
		rooms:    d.Rooms,
		presence: d.Presence,
		accounts: d.Accounts,
		logger:   d.Logger.Named("api"),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(msg, zap.Error(err), zap.String("path", r.URL.Path))
	a.errorResponse(w, http.StatusInternalServerError, "Server error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": a.sessions.Len(),
		"active_clients":  a.rooms.ClientCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if c, ok := a.projects.(Counter); ok {
		if total, err := c.CountProjects(r.Context()); err == nil {
			stats["total_projects"] = total
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Account handlers

type SignupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := a.accounts.Register(r.Context(), req.Email, req.Username, req.Password)
	switch {
	case errors.Is(err, accounts.ErrMissingFields):
		a.errorResponse(w, http.StatusBadRequest, "Email, username and password are required")
		return
	case errors.Is(err, accounts.ErrUserExists):
		a.errorResponse(w, http.StatusConflict, "User already exists")
		return
	case err != nil:
		a.serverError(w, r, "failed to register user", err)
		return
	}

	token, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.serverError(w, r, "failed to issue token", err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"user":  id,
		"token": token,
	})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		a.errorResponse(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	token, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		a.errorResponse(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		a.serverError(w, r, "failed to log in", err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"token": token})
}
