// Package remotetest provides an in-memory fake of the remote memory
// service for tests and local development.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/becomeliminal/nim-recall/core"
)

// Token is the bearer token the fake accepts.
const Token = "test-token"

// Server is a fake memory service. Search is a case-insensitive word match.
type Server struct {
	*httptest.Server

	// Down makes every endpoint answer 503.
	Down atomic.Bool

	// DisableBatch makes the batch endpoint answer 404.
	DisableBatch atomic.Bool

	// FailContent makes creates of memories with this exact content fail.
	FailContent atomic.Value

	// FailEmbed makes document indexing answer 500.
	FailEmbed atomic.Bool

	mu       sync.Mutex
	seq      int
	memories map[string]core.MemoryRecord
	docs     map[string]core.Document
	embedded map[string]bool
	calls    map[string]int
}

// NewServer starts a fake service. Close it when done.
func NewServer() *Server {
	s := &Server{
		memories: make(map[string]core.MemoryRecord),
		docs:     make(map[string]core.Document),
		embedded: make(map[string]bool),
		calls:    make(map[string]int),
	}
	s.FailContent.Store("")

	r := chi.NewRouter()
	r.Use(s.middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { ok(w, nil) })
	r.Post("/memories", s.createMemory)
	r.Post("/memories/batch", s.batchCreate)
	r.Post("/memories/search", s.searchMemories)
	r.Get("/memories", s.listMemories)
	r.Delete("/memories/{id}", s.deleteMemory)
	r.Patch("/memories/{id}", s.updateMemory)
	r.Post("/files", s.uploadFile)
	r.Post("/files/{id}/embed", s.embedDocument)
	r.Post("/documents/search", s.searchDocuments)
	r.Delete("/documents/{id}", s.deleteDocument)

	s.Server = httptest.NewServer(r)
	return s
}

// Memories returns the stored memories ordered by id.
func (s *Server) Memories() []core.MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.MemoryRecord, 0, len(s.memories))
	for _, m := range s.memories {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Documents returns the stored documents ordered by id.
func (s *Server) Documents() []core.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns how often a route ("POST /memories") was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		if strings.HasPrefix(r.URL.Path, "/memories/") && r.URL.Path != "/memories/search" && r.URL.Path != "/memories/batch" {
			route = r.Method + " /memories/{id}"
		}
		s.mu.Lock()
		s.calls[route]++
		s.mu.Unlock()

		if s.Down.Load() {
			fail(w, http.StatusServiceUnavailable, "service down")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+Token {
			fail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type memoryInput struct {
	Content  string               `json:"content"`
	Title    string               `json:"title"`
	Tags     []string             `json:"tags"`
	Pinned   bool                 `json:"pinned"`
	Source   core.Source          `json:"source"`
	Metadata *core.MemoryMetadata `json:"metadata"`
}

func (s *Server) create(in memoryInput) (core.MemoryRecord, bool) {
	if fc, _ := s.FailContent.Load().(string); fc != "" && fc == in.Content {
		return core.MemoryRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now().UTC()
	rec := core.MemoryRecord{
		ID:               "mem-" + strconv.Itoa(s.seq),
		Content:          in.Content,
		Title:            in.Title,
		Tags:             in.Tags,
		Pinned:           in.Pinned,
		Source:           in.Source,
		UploadedAt:       now,
		LastReferencedAt: now,
		Metadata:         in.Metadata,
	}
	s.memories[rec.ID] = rec
	return rec, true
}

func (s *Server) createMemory(w http.ResponseWriter, r *http.Request) {
	var in memoryInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Content == "" {
		fail(w, http.StatusBadRequest, "content is required")
		return
	}
	rec, created := s.create(in)
	if !created {
		fail(w, http.StatusInternalServerError, "create failed")
		return
	}
	ok(w, rec)
}

func (s *Server) batchCreate(w http.ResponseWriter, r *http.Request) {
	if s.DisableBatch.Load() {
		fail(w, http.StatusNotFound, "not found")
		return
	}
	var in struct {
		Memories []memoryInput `json:"memories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	// All or nothing.
	fc, _ := s.FailContent.Load().(string)
	for _, m := range in.Memories {
		if fc != "" && m.Content == fc {
			fail(w, http.StatusInternalServerError, "batch create failed")
			return
		}
	}
	out := make([]core.MemoryRecord, 0, len(in.Memories))
	for _, m := range in.Memories {
		rec, _ := s.create(m)
		out = append(out, rec)
	}
	ok(w, out)
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) searchMemories(w http.ResponseWriter, r *http.Request) {
	var in searchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	var out []core.MemoryRecord
	for _, m := range s.Memories() {
		if score := wordScore(in.Query, m.Content); score > 0 {
			m.Score = score
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	ok(w, out)
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	ok(w, s.Memories())
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.memories[id]; !found {
		fail(w, http.StatusNotFound, "memory not found")
		return
	}
	delete(s.memories, id)
	ok(w, nil)
}

func (s *Server) updateMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.memories[id]
	if !found {
		fail(w, http.StatusNotFound, "memory not found")
		return
	}
	rec.Pinned = in.Pinned
	s.memories[id] = rec
	ok(w, rec)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	var in core.Document
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		fail(w, http.StatusBadRequest, "name is required")
		return
	}
	s.mu.Lock()
	s.seq++
	in.ID = "file-" + strconv.Itoa(s.seq)
	in.UploadedAt = time.Now().UTC()
	s.docs[in.ID] = in
	s.mu.Unlock()
	ok(w, map[string]any{"id": in.ID, "name": in.Name, "mimeType": in.MimeType, "uploadedAt": in.UploadedAt})
}

func (s *Server) embedDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.FailEmbed.Load() {
		fail(w, http.StatusInternalServerError, "indexing failed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.docs[id]; !found {
		fail(w, http.StatusNotFound, "file not found")
		return
	}
	s.embedded[id] = true
	ok(w, map[string]int{"chunks": 1})
}

func (s *Server) searchDocuments(w http.ResponseWriter, r *http.Request) {
	var in searchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	var out []core.DocumentHit
	for id, d := range s.docs {
		if !s.embedded[id] {
			continue
		}
		if score := wordScore(in.Query, d.Content); score > 0 {
			out = append(out, core.DocumentHit{DocumentID: id, Name: d.Name, Chunk: d.Content, Score: score})
		}
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	ok(w, out)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.docs[id]; !found {
		fail(w, http.StatusNotFound, "document not found")
		return
	}
	delete(s.docs, id)
	delete(s.embedded, id)
	ok(w, nil)
}

// wordScore is the fraction of query words found in text.
func wordScore(query, text string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, strings.Trim(w, ".,!?")) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
