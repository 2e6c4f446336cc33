package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/access"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/secretcode"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

const closedDeleted = "deleted"

type ProjectResponse struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Owner         string       `json:"owner"`
	Collaborators []string     `json:"collaborators"`
	IsOwner       bool         `json:"isOwner"`
	SecretCode    string       `json:"secretCode,omitempty"`
	FileCount     int          `json:"fileCount"`
	Files         []store.File `json:"files,omitempty"`
	ActiveUsers   int          `json:"activeUsers"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type AddCollaboratorRequest struct {
	Email string `json:"email"`
}

// Only owners see the secret code.
func (a *API) projectResponse(p *store.Project, identity string, withFiles bool) ProjectResponse {
	resp := ProjectResponse{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Owner:         p.Owner,
		Collaborators: p.Collaborators,
		IsOwner:       p.IsOwner(identity),
		FileCount:     len(p.Files),
		ActiveUsers:   a.presence.Count(p.ID),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if resp.Collaborators == nil {
		resp.Collaborators = []string{}
	}
	if resp.IsOwner {
		resp.SecretCode = p.SecretCode
	}
	if withFiles {
		resp.Files = p.Files
	}
	return resp
}

// withLiveFiles replaces p's files with the in-memory set when one is
// loaded, so metadata writes do not roll back unsaved edits.
func (a *API) withLiveFiles(p *store.Project) {
	if fs, ok := a.sessions.Lookup(p.ID); ok {
		p.Files = fs.Flatten()
	}
}

// ownedProject loads the project named in the URL and checks the caller
// owns it. It writes the error response itself.
func (a *API) ownedProject(w http.ResponseWriter, r *http.Request, action string) (*store.Project, bool) {
	id, _ := accounts.FromContext(r.Context())
	p, err := a.projects.Find(r.Context(), chi.URLParam(r, "projectID"))
	if errors.Is(err, store.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	if err != nil {
		a.serverError(w, r, "failed to load project", err)
		return nil, false
	}
	if !p.IsOwner(id.ID) {
		a.errorResponse(w, http.StatusForbidden, "Only the owner can "+action)
		return nil, false
	}
	return p, true
}

func (a *API) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := accounts.FromContext(r.Context())

	var req CreateProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		a.errorResponse(w, http.StatusBadRequest, "Project name is required")
		return
	}

	projectID := uuid.NewString()
	p := &store.Project{
		ID:          projectID,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Owner:       id.ID,
		Files:       fileset.New(projectID).Flatten(),
	}
	err := secretcode.Assign(store.ErrSecretCodeTaken, func(code string) error {
		p.SecretCode = code
		return a.projects.Create(r.Context(), p)
	})
	if err != nil {
		a.serverError(w, r, "failed to create project", err)
		return
	}

	a.logger.Info("project created", zap.String("project", p.ID), zap.String("owner", p.Owner))
	a.jsonResponse(w, http.StatusCreated, a.projectResponse(p, id.ID, false))
}

func (a *API) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := accounts.FromContext(r.Context())

	projects, err := a.projects.ListByMember(r.Context(), id.ID)
	if err != nil {
		a.serverError(w, r, "failed to list projects", err)
		return
	}

	response := make([]ProjectResponse, len(projects))
	for i, p := range projects {
		response[i] = a.projectResponse(p, id.ID, false)
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"projects": response,
	})
}

// GetProjectHandler returns a project to members and to callers holding
// its secret code.
func (a *API) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := accounts.FromContext(r.Context())
	p, err := a.gate.Check(r.Context(), chi.URLParam(r, "projectID"), id.ID, r.URL.Query().Get("secretCode"))
	if errors.Is(err, access.ErrDenied) {
		a.errorResponse(w, http.StatusForbidden, "Access denied")
		return
	}
	if err != nil {
		a.serverError(w, r, "failed to load project", err)
		return
	}

	a.withLiveFiles(p)
	a.jsonResponse(w, http.StatusOK, a.projectResponse(p, id.ID, true))
}

func (a *API) UpdateProjectHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := accounts.FromContext(r.Context())

	var req UpdateProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, ok := a.ownedProject(w, r, "update the project")
	if !ok {
		return
	}
	if req.Name != nil {
		if name := strings.TrimSpace(*req.Name); name != "" {
			p.Name = name
		}
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}

	a.withLiveFiles(p)
	if err := a.projects.Save(r.Context(), p); err != nil {
		a.serverError(w, r, "failed to update project", err)
		return
	}
	a.jsonResponse(w, http.StatusOK, a.projectResponse(p, id.ID, false))
}

// DeleteProjectHandler removes the record, drops the cached file set and
// any pending save, and disconnects everyone attached.
func (a *API) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ownedProject(w, r, "delete the project")
	if !ok {
		return
	}

	if err := a.projects.Delete(r.Context(), p.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.serverError(w, r, "failed to delete project", err)
		return
	}
	a.saves.Cancel(p.ID)
	a.sessions.Delete(p.ID)
	a.rooms.CloseProject(p.ID, closedDeleted)

	a.logger.Info("project deleted", zap.String("project", p.ID))
	a.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) GetSecretCodeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ownedProject(w, r, "view the secret code")
	if !ok {
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"secretCode": p.SecretCode})
}

// RegenerateSecretCodeHandler replaces the code. Old codes stop working
// for new attaches immediately; attached participants stay.
func (a *API) RegenerateSecretCodeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ownedProject(w, r, "regenerate the secret code")
	if !ok {
		return
	}

	a.withLiveFiles(p)
	err := secretcode.Assign(store.ErrSecretCodeTaken, func(code string) error {
		p.SecretCode = code
		return a.projects.Save(r.Context(), p)
	})
	if err != nil {
		a.serverError(w, r, "failed to regenerate secret code", err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"secretCode": p.SecretCode})
}

func (a *API) ProjectBySecretHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := accounts.FromContext(r.Context())

	p, err := a.projects.FindBySecretCode(r.Context(), secretcode.Normalize(chi.URLParam(r, "code")))
	if errors.Is(err, store.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		a.serverError(w, r, "failed to look up secret code", err)
		return
	}
	resp := a.projectResponse(p, id.ID, false)
	resp.SecretCode = p.SecretCode
	a.jsonResponse(w, http.StatusOK, resp)
}

func (a *API) AddCollaboratorHandler(w http.ResponseWriter, r *http.Request) {
	var req AddCollaboratorRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Email) == "" {
		a.errorResponse(w, http.StatusBadRequest, "Email is required")
		return
	}

	p, ok := a.ownedProject(w, r, "add collaborators")
	if !ok {
		return
	}

	user, err := a.accounts.Resolve(r.Context(), req.Email)
	if errors.Is(err, accounts.ErrUserNotFound) {
		a.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		a.serverError(w, r, "failed to resolve user", err)
		return
	}
	if !p.AddCollaborator(user.ID) {
		a.errorResponse(w, http.StatusBadRequest, "User is already a collaborator")
		return
	}

	a.withLiveFiles(p)
	if err := a.projects.Save(r.Context(), p); err != nil {
		a.serverError(w, r, "failed to add collaborator", err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"collaborators": p.Collaborators,
	})
}
