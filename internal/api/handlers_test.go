package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/accounts"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/db"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/persist"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/registry"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/secretcode"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/ws"
)

type testEnv struct {
	handler  http.Handler
	database *db.Database
	registry *registry.Registry
	accounts *accounts.Directory
	alice    string
	bob      string
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := accounts.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("Failed to open accounts database: %v", err)
	}
	dir := accounts.NewDirectory(gdb, "test-secret", time.Hour)
	if err := dir.Migrate(); err != nil {
		t.Fatalf("Failed to migrate accounts: %v", err)
	}

	tracker := presence.NewTracker()
	reg := registry.New(database, zap.NewNop())
	saver := persist.New(reg, database, persist.DefaultConfig(), zap.NewNop())
	hub := ws.NewHub(tracker, zap.NewNop())

	api := New(Deps{
		Projects: database,
		Sessions: reg,
		Saves:    saver,
		Rooms:    hub,
		Presence: tracker,
		Accounts: dir,
		Logger:   zap.NewNop(),
	})
	handler, stop := api.Router(http.NotFoundHandler(), RouterConfig{})
	t.Cleanup(stop)

	env := &testEnv{handler: handler, database: database, registry: reg, accounts: dir}
	env.alice = env.token(t, "alice@example.com", "alice")
	env.bob = env.token(t, "bob@example.com", "bob")
	return env
}

func (e *testEnv) token(t *testing.T, email, username string) string {
	t.Helper()
	id, err := e.accounts.Register(context.Background(), email, username, "password")
	if err != nil {
		t.Fatalf("Failed to register %s: %v", email, err)
	}
	token, err := e.accounts.IssueToken(id)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createProject(t *testing.T, name string) ProjectResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/projects", e.alice, map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create project: %d %s", w.Code, w.Body.String())
	}
	var p ProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("Failed to decode project: %v", err)
	}
	return p
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	env := setupTestAPI(t)
	env.createProject(t, "Stats")

	w := env.do(t, "GET", "/api/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, key := range []string{"active_sessions", "active_clients"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_projects"] != float64(1) {
		t.Errorf("Expected total_projects 1, got %v", response["total_projects"])
	}
}

func TestSignupAndLogin(t *testing.T) {
	env := setupTestAPI(t)

	tests := []struct {
		name           string
		path           string
		body           map[string]string
		expectedStatus int
	}{
		{
			name:           "Signup new user",
			path:           "/api/auth/signup",
			body:           map[string]string{"email": "carol@example.com", "username": "carol", "password": "pw"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Signup existing user",
			path:           "/api/auth/signup",
			body:           map[string]string{"email": "alice@example.com", "username": "alice2", "password": "pw"},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "Signup missing password",
			path:           "/api/auth/signup",
			body:           map[string]string{"email": "dave@example.com", "username": "dave"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Login",
			path:           "/api/auth/login",
			body:           map[string]string{"email": "alice@example.com", "password": "password"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Login wrong password",
			path:           "/api/auth/login",
			body:           map[string]string{"email": "alice@example.com", "password": "nope"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, "", tt.body)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if w.Code < 300 {
				if token, _ := decode(t, w)["token"].(string); token == "" {
					t.Error("Response should contain a token")
				}
			}
		})
	}
}

func TestCreateProject(t *testing.T) {
	env := setupTestAPI(t)

	tests := []struct {
		name           string
		token          string
		body           map[string]string
		expectedStatus int
	}{
		{
			name:           "Create project",
			token:          env.alice,
			body:           map[string]string{"name": "Demo", "description": "first"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing name should fail",
			token:          env.alice,
			body:           map[string]string{"description": "nameless"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Anonymous should fail",
			body:           map[string]string{"name": "Demo"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Bad token should fail",
			token:          "not-a-token",
			body:           map[string]string{"name": "Demo"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/projects", tt.token, tt.body)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}

	p := env.createProject(t, "Checked")
	if len(p.SecretCode) != secretcode.Length {
		t.Errorf("Expected a %d character secret code, got %q", secretcode.Length, p.SecretCode)
	}
	if !p.IsOwner || p.FileCount != 1 {
		t.Errorf("Unexpected project: %+v", p)
	}
}

func TestListProjects(t *testing.T) {
	env := setupTestAPI(t)
	env.createProject(t, "One")
	env.createProject(t, "Two")

	w := env.do(t, "GET", "/api/projects", env.alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	projects, ok := decode(t, w)["projects"].([]any)
	if !ok || len(projects) != 2 {
		t.Errorf("Expected 2 projects, got %v", projects)
	}

	w = env.do(t, "GET", "/api/projects", env.bob, nil)
	if projects, _ := decode(t, w)["projects"].([]any); len(projects) != 0 {
		t.Errorf("Bob should see no projects, got %d", len(projects))
	}
}

func TestGetProject(t *testing.T) {
	env := setupTestAPI(t)
	p := env.createProject(t, "Shared")

	tests := []struct {
		name           string
		path           string
		token          string
		expectedStatus int
		expectSecret   bool
	}{
		{"Owner", "/api/projects/" + p.ID, env.alice, http.StatusOK, true},
		{"Stranger", "/api/projects/" + p.ID, env.bob, http.StatusForbidden, false},
		{"Stranger with code", "/api/projects/" + p.ID + "?secretCode=" + strings.ToLower(p.SecretCode), env.bob, http.StatusOK, false},
		{"Anonymous with code", "/api/projects/" + p.ID + "?secretCode=" + p.SecretCode, "", http.StatusOK, false},
		{"Wrong code", "/api/projects/" + p.ID + "?secretCode=0000000000000000", "", http.StatusForbidden, false},
		{"Missing project", "/api/projects/ghost", env.alice, http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", tt.path, tt.token, nil)
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Code != http.StatusOK {
				return
			}
			var got ProjectResponse
			json.NewDecoder(w.Body).Decode(&got)
			if len(got.Files) != 1 || got.Files[0].Name != "main.js" {
				t.Errorf("Expected the default file, got %+v", got.Files)
			}
			if (got.SecretCode != "") != tt.expectSecret {
				t.Errorf("Secret code exposure mismatch: %q", got.SecretCode)
			}
		})
	}
}

func TestUpdateProjectKeepsLiveEdits(t *testing.T) {
	env := setupTestAPI(t)
	p := env.createProject(t, "Before")

	fs, err := env.registry.Acquire(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("Failed to load file set: %v", err)
	}
	fs.UpdateContent("1", "unsaved edit")

	w := env.do(t, "PUT", "/api/projects/"+p.ID, env.bob, map[string]string{"name": "Hijacked"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for non-owner, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/projects/"+p.ID, env.alice, map[string]string{"name": "After"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	stored, err := env.database.Find(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Failed to find project: %v", err)
	}
	if stored.Name != "After" {
		t.Errorf("Expected name 'After', got '%s'", stored.Name)
	}
	if stored.Files[0].Content != "unsaved edit" {
		t.Errorf("Metadata update rolled back live content: %q", stored.Files[0].Content)
	}
	if stored.SecretCode != p.SecretCode {
		t.Error("Update should not change the secret code")
	}
}

func TestSecretCode(t *testing.T) {
	env := setupTestAPI(t)
	p := env.createProject(t, "Secret")

	w := env.do(t, "GET", "/api/projects/"+p.ID+"/secret-code", env.bob, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for non-owner, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/projects/"+p.ID+"/secret-code", env.alice, nil)
	if got := decode(t, w)["secretCode"]; got != p.SecretCode {
		t.Errorf("Expected %s, got %v", p.SecretCode, got)
	}

	w = env.do(t, "GET", "/api/projects/secret/"+strings.ToLower(p.SecretCode), env.bob, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected lookup by code to succeed, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/projects/"+p.ID+"/secret-code", env.alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	fresh, _ := decode(t, w)["secretCode"].(string)
	if fresh == "" || fresh == p.SecretCode {
		t.Errorf("Expected a new secret code, got %q", fresh)
	}

	if w := env.do(t, "GET", "/api/projects/secret/"+p.SecretCode, env.bob, nil); w.Code != http.StatusNotFound {
		t.Errorf("Old code should no longer resolve, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/projects/secret/"+fresh, env.bob, nil); w.Code != http.StatusOK {
		t.Errorf("New code should resolve, got %d", w.Code)
	}
}

func TestAddCollaborator(t *testing.T) {
	env := setupTestAPI(t)
	p := env.createProject(t, "Team")
	path := "/api/projects/" + p.ID + "/collaborators"

	tests := []struct {
		name           string
		token          string
		email          string
		expectedStatus int
	}{
		{"Non-owner", env.bob, "bob@example.com", http.StatusForbidden},
		{"Unknown user", env.alice, "nobody@example.com", http.StatusNotFound},
		{"Missing email", env.alice, "", http.StatusBadRequest},
		{"Add bob", env.alice, "Bob@Example.com", http.StatusOK},
		{"Add bob again", env.alice, "bob@example.com", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", path, tt.token, map[string]string{"email": tt.email})
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}

	if w := env.do(t, "GET", "/api/projects/"+p.ID, env.bob, nil); w.Code != http.StatusOK {
		t.Errorf("Collaborator should be able to read the project, got %d", w.Code)
	}
}

func TestDeleteProject(t *testing.T) {
	env := setupTestAPI(t)
	p := env.createProject(t, "Doomed")

	if _, err := env.registry.GetOrCreate(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("Failed to load file set: %v", err)
	}

	if w := env.do(t, "DELETE", "/api/projects/"+p.ID, env.bob, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for non-owner, got %d", w.Code)
	}

	w := env.do(t, "DELETE", "/api/projects/"+p.ID, env.alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	if _, err := env.database.Find(context.Background(), p.ID); err != store.ErrNotFound {
		t.Errorf("Expected project to be gone, got %v", err)
	}
	if _, ok := env.registry.Lookup(p.ID); ok {
		t.Error("File set should be dropped on delete")
	}
	if w := env.do(t, "DELETE", "/api/projects/"+p.ID, env.alice, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestAPI(t)
	api := New(Deps{
		Projects: store.NewMemory(),
		Sessions: env.registry,
		Saves:    persist.New(env.registry, store.NewMemory(), persist.DefaultConfig(), zap.NewNop()),
		Rooms:    ws.NewHub(presence.NewTracker(), zap.NewNop()),
		Presence: presence.NewTracker(),
		Accounts: env.accounts,
		Logger:   zap.NewNop(),
	})
	handler, stop := api.Router(http.NotFoundHandler(), RouterConfig{RequestsPerSecond: 1, RequestBurst: 2})
	defer stop()

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
}
