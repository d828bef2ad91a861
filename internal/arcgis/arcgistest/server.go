// Package arcgistest provides an in-memory ArcGIS portal and feature service
// for tests.
package arcgistest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"layersync/internal/arcgis"
)

// Layer is a layer or table hosted by the fake service.
type Layer struct {
	ID             int
	Name           string
	Table          bool
	MaxRecordCount int
	Fields         []arcgis.Field
	Features       []arcgis.Feature

	// Reject, when set, refuses individual features in addFeatures.
	Reject func(attrs map[string]any) bool
}

// Server is a fake portal. Its single feature service lives at
// URL + "/FeatureServer".
type Server struct {
	*httptest.Server

	// Username and Password, when set, make every request require a token.
	Username string
	Password string

	mu           sync.Mutex
	items        map[string]bool
	layers       []*Layer
	token        string
	tokensIssued int
	failures     int
	queries      int
}

// NewServer starts a fake portal that is closed when the test ends.
func NewServer(t testing.TB, layers ...*Layer) *Server {
	s := &Server{items: map[string]bool{}, layers: layers}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sharing/rest/generateToken", s.handleToken)
	mux.HandleFunc("GET /sharing/rest/content/items/{id}", s.authed(s.handleItem))
	mux.HandleFunc("GET /FeatureServer", s.authed(s.handleService))
	mux.HandleFunc("GET /FeatureServer/{layer}", s.authed(s.handleLayer))
	mux.HandleFunc("POST /FeatureServer/{layer}/query", s.authed(s.handleQuery))
	mux.HandleFunc("POST /FeatureServer/{layer}/addFeatures", s.authed(s.handleAdd))
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// ServiceURL is the URL of the hosted feature service.
func (s *Server) ServiceURL() string { return s.URL + "/FeatureServer" }

// AddItem registers a portal item that points at the feature service.
func (s *Server) AddItem(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = true
}

// FailNext makes the next n requests answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// ExpireToken invalidates the issued token.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// TokensIssued returns how many tokens were generated.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensIssued
}

// Queries returns how many query pages were served.
func (s *Server) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Features returns a copy of the features stored in the named layer.
func (s *Server) Features(name string) []arcgis.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.layers {
		if l.Name == name {
			return append([]arcgis.Feature(nil), l.Features...)
		}
	}
	return nil
}

// ── Handlers ───────────────────────────────────────────────

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.failures > 0 {
			s.failures--
			s.mu.Unlock()
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		ok := s.Username == "" || (s.token != "" && r.FormValue("token") == s.token)
		s.mu.Unlock()
		if !ok {
			writeError(w, 498, "Invalid token.")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("username") != s.Username || r.FormValue("password") != s.Password {
		writeError(w, 400, "Unable to generate token.")
		return
	}
	s.mu.Lock()
	s.tokensIssued++
	s.token = "tok-" + strconv.Itoa(s.tokensIssued)
	tok := s.token
	s.mu.Unlock()
	writeJSON(w, map[string]any{"token": tok, "expires": time.Now().Add(time.Hour).UnixMilli()})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, 400, "Item does not exist or is inaccessible.")
		return
	}
	writeJSON(w, map[string]any{"id": id, "title": id, "type": "Feature Service", "url": s.ServiceURL()})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	layers, tables := []arcgis.LayerRef{}, []arcgis.LayerRef{}
	for _, l := range s.layers {
		ref := arcgis.LayerRef{ID: l.ID, Name: l.Name}
		if l.Table {
			tables = append(tables, ref)
		} else {
			layers = append(layers, ref)
		}
	}
	writeJSON(w, arcgis.ServiceInfo{Layers: layers, Tables: tables})
}

func (s *Server) layer(w http.ResponseWriter, r *http.Request) *Layer {
	id, err := strconv.Atoi(r.PathValue("layer"))
	if err == nil {
		for _, l := range s.layers {
			if l.ID == id {
				return l
			}
		}
	}
	writeError(w, 400, "Invalid or missing input parameters.")
	return nil
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.layer(w, r)
	if l == nil {
		return
	}
	info := arcgis.LayerInfo{
		ID:             l.ID,
		Name:           l.Name,
		Type:           "Feature Layer",
		ObjectIDField:  "OBJECTID",
		MaxRecordCount: l.MaxRecordCount,
		Fields:         l.Fields,
	}
	if l.Table {
		info.Type = "Table"
	} else {
		info.GeometryType = "esriGeometryPoint"
	}
	writeJSON(w, info)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.layer(w, r)
	if l == nil {
		return
	}
	s.queries++
	offset, _ := strconv.Atoi(r.FormValue("resultOffset"))
	count, _ := strconv.Atoi(r.FormValue("resultRecordCount"))
	if l.MaxRecordCount > 0 && (count == 0 || count > l.MaxRecordCount) {
		count = l.MaxRecordCount
	}
	if count == 0 {
		count = len(l.Features)
	}

	page := []arcgis.Feature{}
	end := offset + count
	if offset < len(l.Features) {
		if end > len(l.Features) {
			end = len(l.Features)
		}
		page = append(page, l.Features[offset:end]...)
	}
	if r.FormValue("returnGeometry") != "true" {
		for i := range page {
			page[i].Geometry = nil
		}
	}
	writeJSON(w, arcgis.QueryResult{Features: page, ExceededTransferLimit: end < len(l.Features)})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var features []arcgis.Feature
	if err := json.Unmarshal([]byte(r.FormValue("features")), &features); err != nil {
		writeError(w, 400, fmt.Sprintf("Unable to parse features: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.layer(w, r)
	if l == nil {
		return
	}
	results := make([]arcgis.EditResult, len(features))
	for i, f := range features {
		if l.Reject != nil && l.Reject(f.Attributes) {
			results[i] = arcgis.EditResult{Error: &arcgis.EditError{Code: 1000, Description: "Field value out of range."}}
			continue
		}
		l.Features = append(l.Features, f)
		results[i] = arcgis.EditResult{ObjectID: int64(len(l.Features)), Success: true}
	}
	writeJSON(w, map[string]any{"addResults": results})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, map[string]any{"error": map[string]any{"code": code, "message": msg, "details": []string{}}})
}
