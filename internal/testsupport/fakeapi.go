package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"avatarctl/internal/entity"
)

// FakeToken is the bearer credential the fake service accepts by default.
const FakeToken = "test-token"

// FakePassword is the password the fake service accepts for any account.
const FakePassword = "secret"

type injectedFailure struct {
	status int
	code   string
	field  string
}

// FakeAPI is an in-memory generation service served over httptest. Jobs do
// not progress on their own; tests move them with the Set*Status helpers.
type FakeAPI struct {
	URL string

	t      testing.TB
	server *httptest.Server

	mu         sync.Mutex
	token      string
	nextID     int
	avatars    map[string]entity.Avatar
	animations map[string]entity.AnimationProject
	stories    map[string]entity.Story
	calls      map[string]int
	failures   map[string][]injectedFailure
	requestIDs []string
}

// NewFakeAPI starts a fake service and registers cleanup.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	api := &FakeAPI{
		t:          t,
		token:      FakeToken,
		avatars:    map[string]entity.Avatar{},
		animations: map[string]entity.AnimationProject{},
		stories:    map[string]entity.Story{},
		calls:      map[string]int{},
		failures:   map[string][]injectedFailure{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", api.handleLogin)
	api.route(mux, "GET /avatars", api.handleListAvatars)
	api.route(mux, "POST /avatars", api.handleCreateAvatar)
	api.route(mux, "GET /avatars/{id}", api.handleGetAvatar)
	api.route(mux, "GET /animations/{id}", api.handleGetAnimation)
	api.route(mux, "PUT /animations/{id}/prompts", api.handleSavePrompts)
	api.route(mux, "POST /animations/{id}/generate", api.handleGenerate)
	api.route(mux, "GET /animations/{id}/segments/{index}", api.handleGetSegment)
	api.route(mux, "POST /animations/{id}/segments/{index}/regenerate", api.handleRegenerate)
	api.route(mux, "POST /stories", api.handleCreateStory)
	api.route(mux, "GET /stories/{id}", api.handleGetStory)

	api.server = httptest.NewServer(mux)
	api.URL = api.server.URL
	t.Cleanup(api.server.Close)
	return api
}

// route wraps next with call counting, failure injection, and the bearer
// check every authenticated endpoint performs.
func (a *FakeAPI) route(mux *http.ServeMux, pattern string, next http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls[pattern]++
		a.requestIDs = append(a.requestIDs, r.Header.Get("X-Request-ID"))
		token := a.token
		var failure *injectedFailure
		if queued := a.failures[pattern]; len(queued) > 0 {
			failure = &queued[0]
			a.failures[pattern] = queued[1:]
		}
		a.mu.Unlock()

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid credential", "")
			return
		}
		if failure != nil {
			writeAPIError(w, failure.status, failure.code, "injected failure", failure.field)
			return
		}
		next(w, r)
	})
}

// Calls returns how many requests reached pattern, e.g. "GET /avatars/{id}".
func (a *FakeAPI) Calls(pattern string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[pattern]
}

// RequestIDs returns the X-Request-ID of every authenticated request seen.
func (a *FakeAPI) RequestIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requestIDs...)
}

// FailNext makes the next request to pattern fail with status and code.
func (a *FakeAPI) FailNext(pattern string, status int, code, field string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[pattern] = append(a.failures[pattern], injectedFailure{status: status, code: code, field: field})
}

// RevokeToken makes every subsequent request fail with 401.
func (a *FakeAPI) RevokeToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

// AddAvatar seeds an avatar and returns it.
func (a *FakeAPI) AddAvatar(name, status string) entity.Avatar {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UTC()
	av := entity.Avatar{ID: a.newIDLocked("av"), Name: name, Prompt: name, Status: status, CreatedAt: now, UpdatedAt: now}
	a.avatars[av.ID] = av
	return av
}

// SetAvatarStatus moves an avatar job to status.
func (a *FakeAPI) SetAvatarStatus(id, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	av, ok := a.avatars[id]
	if !ok {
		a.t.Fatalf("fake api: unknown avatar %q", id)
	}
	av.Status = status
	av.UpdatedAt = time.Now().UTC()
	if status == "completed" {
		av.ImageURL = fmt.Sprintf("https://cdn.example.test/avatars/%s.png", id)
	}
	a.avatars[id] = av
}

// AddAnimation seeds a project with one empty-prompt segment per count.
func (a *FakeAPI) AddAnimation(avatarID, title string, segments int) entity.AnimationProject {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UTC()
	p := entity.AnimationProject{ID: a.newIDLocked("an"), AvatarID: avatarID, Title: title, Status: "pending", UpdatedAt: now}
	for i := 0; i < segments; i++ {
		p.Segments = append(p.Segments, entity.Segment{ProjectID: p.ID, Index: i, Status: "pending", UpdatedAt: now})
	}
	a.animations[p.ID] = p
	return p
}

// SetAnimationStatus moves a project to status.
func (a *FakeAPI) SetAnimationStatus(id, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.mustAnimationLocked(id)
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	a.animations[id] = p
}

// SetSegmentStatus moves one segment to status.
func (a *FakeAPI) SetSegmentStatus(projectID string, index int, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.mustAnimationLocked(projectID)
	if index < 0 || index >= len(p.Segments) {
		a.t.Fatalf("fake api: project %q has no segment %d", projectID, index)
	}
	p.Segments[index].Status = status
	p.Segments[index].UpdatedAt = time.Now().UTC()
	a.animations[projectID] = p
}

// SetStoryStatus moves a story job to status. The fake reports story
// statuses upper-cased like the real story backend.
func (a *FakeAPI) SetStoryStatus(id, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stories[id]
	if !ok {
		a.t.Fatalf("fake api: unknown story %q", id)
	}
	s.Status = strings.ToUpper(status)
	s.UpdatedAt = time.Now().UTC()
	a.stories[id] = s
}

func (a *FakeAPI) newIDLocked(prefix string) string {
	a.nextID++
	return prefix + "-" + strconv.Itoa(a.nextID)
}

func (a *FakeAPI) mustAnimationLocked(id string) entity.AnimationProject {
	p, ok := a.animations[id]
	if !ok {
		a.t.Fatalf("fake api: unknown animation %q", id)
	}
	return cloneProject(p)
}

func cloneProject(p entity.AnimationProject) entity.AnimationProject {
	p.Segments = append([]entity.Segment(nil), p.Segments...)
	return p
}

func (a *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", "malformed json", "")
		return
	}
	if body.Password != FakePassword {
		writeAPIError(w, http.StatusUnauthorized, "invalid_credentials", "wrong email or password", "")
		return
	}
	a.mu.Lock()
	if a.token == "" {
		a.token = FakeToken
	}
	token := a.token
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "account": body.Email})
}

func (a *FakeAPI) handleListAvatars(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	items := make([]entity.Avatar, 0, len(a.avatars))
	for _, av := range a.avatars {
		items = append(items, av)
	}
	a.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"avatars": items})
}

func (a *FakeAPI) handleCreateAvatar(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Prompt string `json:"prompt"`
		Style  string `json:"style"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", "malformed json", "")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeAPIError(w, http.StatusUnprocessableEntity, "required", "prompt is required", "prompt")
		return
	}
	a.mu.Lock()
	now := time.Now().UTC()
	av := entity.Avatar{ID: a.newIDLocked("av"), Name: body.Name, Prompt: body.Prompt, Style: body.Style, Status: "pending", CreatedAt: now, UpdatedAt: now}
	a.avatars[av.ID] = av
	a.mu.Unlock()
	writeJSON(w, http.StatusCreated, av)
}

func (a *FakeAPI) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	av, ok := a.avatars[r.PathValue("id")]
	a.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "avatar not found", "")
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (a *FakeAPI) handleGetAnimation(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	p, ok := a.animations[r.PathValue("id")]
	if ok {
		p = cloneProject(p)
	}
	a.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "animation not found", "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *FakeAPI) handleSavePrompts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompts []struct {
			Index  int    `json:"index"`
			Prompt string `json:"prompt"`
		} `json:"prompts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", "malformed json", "")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.animations[r.PathValue("id")]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "animation not found", "")
		return
	}
	p = cloneProject(p)
	for _, entry := range body.Prompts {
		if entry.Index < 0 || entry.Index >= len(p.Segments) {
			writeAPIError(w, http.StatusUnprocessableEntity, "out_of_range", "segment index out of range", fmt.Sprintf("prompts[%d]", entry.Index))
			return
		}
		p.Segments[entry.Index].Prompt = entry.Prompt
		p.Segments[entry.Index].UpdatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	a.animations[p.ID] = p
	writeJSON(w, http.StatusOK, p)
}

func (a *FakeAPI) handleGenerate(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.animations[r.PathValue("id")]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "animation not found", "")
		return
	}
	p = cloneProject(p)
	for i := range p.Segments {
		if strings.TrimSpace(p.Segments[i].Prompt) == "" {
			writeAPIError(w, http.StatusUnprocessableEntity, "missing_prompt", "every segment needs a prompt", fmt.Sprintf("segments[%d].prompt", i))
			return
		}
		p.Segments[i].Status = "in_progress"
	}
	p.Status = "in_progress"
	p.UpdatedAt = time.Now().UTC()
	a.animations[p.ID] = p
	writeJSON(w, http.StatusAccepted, p)
}

func (a *FakeAPI) segment(w http.ResponseWriter, r *http.Request) (entity.AnimationProject, int, bool) {
	p, ok := a.animations[r.PathValue("id")]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "animation not found", "")
		return p, 0, false
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= len(p.Segments) {
		writeAPIError(w, http.StatusNotFound, "not_found", "segment not found", "")
		return p, 0, false
	}
	return cloneProject(p), index, true
}

func (a *FakeAPI) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	p, index, ok := a.segment(w, r)
	a.mu.Unlock()
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Segments[index])
}

func (a *FakeAPI) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	defer a.mu.Unlock()
	p, index, ok := a.segment(w, r)
	if !ok {
		return
	}
	seg := &p.Segments[index]
	if body.Prompt != "" {
		seg.Prompt = body.Prompt
	}
	seg.Status = "pending"
	seg.VideoURL = ""
	seg.UpdatedAt = time.Now().UTC()
	p.Status = "in_progress"
	p.UpdatedAt = seg.UpdatedAt
	a.animations[p.ID] = p
	writeJSON(w, http.StatusAccepted, *seg)
}

func (a *FakeAPI) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AvatarID string `json:"avatar_id"`
		Prompt   string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", "malformed json", "")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeAPIError(w, http.StatusUnprocessableEntity, "required", "prompt is required", "prompt")
		return
	}
	a.mu.Lock()
	s := entity.Story{ID: a.newIDLocked("st"), AvatarID: body.AvatarID, Prompt: body.Prompt, Status: "PENDING", UpdatedAt: time.Now().UTC()}
	a.stories[s.ID] = s
	a.mu.Unlock()
	writeJSON(w, http.StatusAccepted, s)
}

func (a *FakeAPI) handleGetStory(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	s, ok := a.stories[r.PathValue("id")]
	a.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "story not found", "")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message, field string) {
	body := map[string]any{"error": map[string]string{"code": code, "message": message, "field": field}}
	writeJSON(w, status, body)
}
