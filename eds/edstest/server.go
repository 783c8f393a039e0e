// Package edstest provides an in-memory EDS REST server for tests.
package edstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/goccy/go-json"
)

// Token is the session id handed out by the fake server
const Token = "eds-session"

// Period is the requested trend period
type Period struct {
	From int64 `json:"from"`
	Till int64 `json:"till"`
}

// TrendRequest is a recorded POST /trend/tabular body
type TrendRequest struct {
	Period Period `json:"period"`
	Step   int64  `json:"step"`
	Items  []struct {
		PointID struct {
			IESS string `json:"iess"`
		} `json:"pointId"`
		Function string `json:"function"`
	} `json:"items"`
}

// Points returns the requested point ids in order
func (r TrendRequest) Points() []string {
	ids := make([]string, len(r.Items))
	for i, item := range r.Items {
		ids[i] = item.PointID.IESS
	}
	return ids
}

// LivePoint is a live value served by POST /points/query
type LivePoint struct {
	IESS    string  `json:"iess"`
	TS      int64   `json:"ts"`
	Value   float64 `json:"value"`
	Quality uint32  `json:"quality"`
}

// Server is a fake EDS server. Exported fields may be changed between calls
// while holding no lock; the handler reads them under mu.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	Username string
	Password string

	// Series maps point ids to [ts, value, status] rows
	Series map[string][][]float64
	// Pages splits every result into this many GET /trend/tabular pages
	Pages int
	// PendingPolls is the number of EXECUTING answers before SUCCESS
	PendingPolls int
	// FailRequests makes every request report FAILURE
	FailRequests bool
	// TrendStatus forces an HTTP status on POST /trend/tabular
	TrendStatus int
	// OmitLast never marks a result page LAST
	OmitLast bool
	Live     []LivePoint

	Requests []TrendRequest
	Polls    int
	Logins   int
	Logouts  int

	pages map[string]int
}

// NewServer starts a fake EDS server accepting user/secret
func NewServer() *Server {
	s := &Server{
		Username: "user",
		Password: "secret",
		Series:   map[string][][]float64{},
		Pages:    1,
		pages:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.login)
	mux.HandleFunc("/logout", s.authed(func(w http.ResponseWriter, _ *http.Request) {
		s.Logouts++
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/trend/tabular", s.authed(s.tabular))
	mux.HandleFunc("/requests", s.authed(s.requests))
	mux.HandleFunc("/points/query", s.authed(s.live))

	s.Server = httptest.NewServer(mux)
	return s
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Username != s.Username || body.Password != s.Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	s.Logins++
	writeJSON(w, map[string]string{"sessionId": Token})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			http.Error(w, "not logged in", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		next(w, r)
	}
}

func (s *Server) tabular(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if s.TrendStatus != 0 {
			http.Error(w, "forced failure", s.TrendStatus)
			return
		}
		var req TrendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.Requests = append(s.Requests, req)
		writeJSON(w, map[string]string{"id": fmt.Sprintf("req-%d", len(s.Requests))})
		return
	}

	id := r.URL.Query().Get("id")
	var n int
	if _, err := fmt.Sscanf(id, "req-%d", &n); err != nil || n < 1 || n > len(s.Requests) {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}
	req := s.Requests[n-1]

	page := s.pages[id]
	s.pages[id]++

	pages := s.Pages
	if pages < 1 {
		pages = 1
	}

	type item struct {
		PointID struct {
			IESS string `json:"iess"`
		} `json:"pointId"`
		Values [][]float64 `json:"values"`
	}
	chunk := struct {
		Status string `json:"status"`
		Items  []item `json:"items"`
	}{Status: "TODO"}
	if page >= pages-1 && !s.OmitLast {
		chunk.Status = "LAST"
	}

	for _, pid := range req.Points() {
		var rows [][]float64
		for _, row := range s.Series[pid] {
			ts := int64(row[0])
			if ts >= req.Period.From && ts < req.Period.Till {
				rows = append(rows, row)
			}
		}
		lo, hi := split(len(rows), pages, page)
		it := item{Values: rows[lo:hi]}
		if it.Values == nil {
			it.Values = [][]float64{}
		}
		it.PointID.IESS = pid
		chunk.Items = append(chunk.Items, it)
	}

	writeJSON(w, []interface{}{chunk})
}

// split returns the bounds of page p when n rows are spread over pages
func split(n, pages, p int) (int, int) {
	if p >= pages {
		return n, n
	}
	size := (n + pages - 1) / pages
	lo := p * size
	hi := lo + size
	if lo > n {
		lo = n
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

func (s *Server) requests(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	s.Polls++

	status := "SUCCESS"
	switch {
	case s.FailRequests:
		status = "FAILURE"
	case s.Polls <= s.PendingPolls:
		status = "EXECUTING"
	}
	writeJSON(w, map[string]interface{}{
		id: map[string]string{"status": status, "message": ""},
	})
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{"points": s.Live})
}
