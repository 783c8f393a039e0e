// Package rjntest provides an in-memory RJN Clarity server for tests.
package rjntest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Post is a recorded data import
type Post struct {
	ProjectID string
	EntityID  string
	Query     url.Values
	Comments  string
	Data      map[string]float64
}

// Server is a fake RJN Clarity API. It stores imported data per entity with
// overwrite semantics.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	ClientID string
	Password string

	// Status forces an HTTP status on data imports
	Status int
	// Body is returned with a forced status
	Body string

	Posts  []Post
	Auths  int
	tokens map[string]bool
	data   map[string]map[string]float64
}

// NewServer starts a fake RJN server accepting client/secret
func NewServer() *Server {
	s := &Server{
		ClientID: "client",
		Password: "secret",
		tokens:   map[string]bool{},
		data:     map[string]map[string]float64{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", s.auth)
	mux.HandleFunc("POST /projects/{project}/entities/{entity}/data", s.importData)

	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) auth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body struct {
		ClientID string `json:"client_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.ClientID != s.ClientID || body.Password != s.Password {
		http.Error(w, `{"error":"invalid client"}`, http.StatusUnauthorized)
		return
	}

	s.Auths++
	token := fmt.Sprintf("rjn-token-%d", s.Auths)
	s.tokens[token] = true

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Server) importData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !s.tokens[token] {
		http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
		return
	}

	var body struct {
		Comments string             `json:"comments"`
		Data     map[string]float64 `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	post := Post{
		ProjectID: r.PathValue("project"),
		EntityID:  r.PathValue("entity"),
		Query:     r.URL.Query(),
		Comments:  body.Comments,
		Data:      body.Data,
	}
	s.Posts = append(s.Posts, post)

	if s.Status != 0 {
		http.Error(w, s.Body, s.Status)
		return
	}

	key := post.ProjectID + "/" + post.EntityID
	if s.data[key] == nil {
		s.data[key] = map[string]float64{}
	}
	for ts, v := range body.Data {
		s.data[key][ts] = v
	}
	w.WriteHeader(http.StatusOK)
}

// ExpireTokens invalidates every issued token
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]bool{}
}

// Data returns a copy of the data stored for an entity
func (s *Server) Data(projectID, entityID string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]float64{}
	for ts, v := range s.data[projectID+"/"+entityID] {
		out[ts] = v
	}
	return out
}

// PostCount returns the number of data imports received
func (s *Server) PostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Posts)
}
