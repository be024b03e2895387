// Copyright 2021 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lvfstest contains a fake firmware download server for tests.
package lvfstest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

// DownloadsPath is the path prefix files are served under.
const DownloadsPath = "/downloads/"

// Mode alters how the server answers.
type Mode int

const (
	// Serve returns files as stored.
	Serve Mode = iota
	// Truncate returns only the first half of each file.
	Truncate
	// Corrupt flips a bit in the first byte of each file.
	Corrupt
)

// Server is the state and handler implementation of the fake server.
type Server struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
	mode     Mode
	username string
	password string
	ua       string
}

// NewServer returns a server with no files.
func NewServer() *Server {
	return &Server{
		files:    make(map[string][]byte),
		requests: make(map[string]int),
	}
}

// Put stores content under name and returns its hex SHA256 digest.
func (s *Server) Put(name string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), content...)
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SetMode changes how subsequent requests are answered.
func (s *Server) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// RequireBasicAuth makes the server reject requests without these credentials.
func (s *Server) RequireBasicAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.password = username, password
}

// Requests returns how many times name has been requested.
func (s *Server) Requests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

// TotalRequests returns the number of requests for any file.
func (s *Server) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

// UserAgent returns the User-Agent of the most recent request.
func (s *Server) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ua
}

// getFile serves a stored file.
func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	s.requests[name]++
	s.ua = r.UserAgent()
	content, ok := s.files[name]
	mode, username, password := s.mode, s.username, s.password
	s.mu.Unlock()

	glog.V(1).Infof("GET %s", name)

	if username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != username || p != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="lvfs"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch mode {
	case Truncate:
		content = content[:len(content)/2]
	case Corrupt:
		content = append([]byte(nil), content...)
		if len(content) > 0 {
			content[0] ^= 1
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(content); err != nil {
		glog.Warningf("failed to write %s: %v", name, err)
	}
}

// RegisterHandlers registers HTTP handlers for the download endpoint.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(DownloadsPath+"{name}", s.getFile).Methods("GET")
}

// Start serves s on a new httptest server, which the caller must Close.
func Start(s *Server) *httptest.Server {
	r := mux.NewRouter()
	s.RegisterHandlers(r)
	return httptest.NewServer(r)
}

// URL returns the download URL of name on ts.
func URL(ts *httptest.Server, name string) string {
	u, err := url.Parse(ts.URL)
	if err != nil {
		panic(err)
	}
	u.Path = path.Join(DownloadsPath, name)
	return u.String()
}
