// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-process fake of the sync service:
// versioned collections over REST, JWT auth, a websocket change feed and
// fault injection. Tests drive the client engine against it without a real
// backend.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/natlog/go-fieldsync/fieldsync"
)

type record struct {
	ID        string
	OwnerID   string
	Version   int64
	UpdatedAt time.Time
	Deleted   bool
	Payload   json.RawMessage
}

func (r *record) wire() fieldsync.RemoteRecord {
	return fieldsync.RemoteRecord{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
		Payload:   r.Payload,
	}
}

// Server is the fake sync service. All exported methods are safe for
// concurrent use.
type Server struct {
	Auth *JWTAuth

	// RejectPayload, when set, is consulted on every create and update. A
	// non-empty return is sent back as a 422 with that message.
	RejectPayload func(collection string, payload json.RawMessage) string

	mu          sync.Mutex
	collections map[string]map[string]*record
	failNext    int
	failStatus  int
	requests    map[string]int
	clock       time.Time

	wsMu       sync.Mutex
	wsUpgrader websocket.Upgrader
	wsConns    map[*websocket.Conn]bool

	httpSrv *httptest.Server
}

// NewServer starts a fake service signing tokens with secret. Close it when
// done.
func NewServer(secret string) *Server {
	s := &Server{
		Auth:        NewJWTAuth(secret),
		collections: make(map[string]map[string]*record),
		requests:    make(map[string]int),
		clock:       time.Now().UTC().Truncate(time.Millisecond),
		wsConns:     make(map[*websocket.Conn]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/sync/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/{collection}", s.authed(s.handleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/{collection}", s.authed(s.handlePull)).Methods(http.MethodGet)
	r.HandleFunc("/{collection}/{id}", s.authed(s.handleUpdate)).Methods(http.MethodPut)
	r.HandleFunc("/{collection}/{id}", s.authed(s.handleDelete)).Methods(http.MethodDelete)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the base URL of the fake service.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the service down and drops all websocket subscribers.
func (s *Server) Close() {
	s.wsMu.Lock()
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsConns = make(map[*websocket.Conn]bool)
	s.wsMu.Unlock()
	s.httpSrv.Close()
}

// TokenFor signs a one-hour token for userID on deviceID.
func (s *Server) TokenFor(userID, deviceID string) string {
	token, err := s.Auth.GenerateToken(userID, deviceID, time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

// FailNext makes the next n authenticated requests fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// SubscriberCount returns how many websocket clients are connected to the
// change feed.
func (s *Server) SubscriberCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

// RequestCount returns how many requests hit a method+collection pair, e.g.
// ("POST", "jobs").
func (s *Server) RequestCount(method, collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+collection]
}

// Seed inserts a record directly, bypassing the protocol. It advances the
// record's version by one and stamps the server clock.
func (s *Server) Seed(collection, id, ownerID string, payload json.RawMessage) fieldsync.RemoteRecord {
	s.mu.Lock()
	rec := s.upsertLocked(collection, id, ownerID, payload, false)
	wire := rec.wire()
	s.mu.Unlock()
	s.broadcast(collection)
	return wire
}

// SeedDelete tombstones a record directly, bypassing the protocol.
func (s *Server) SeedDelete(collection, id string) {
	s.mu.Lock()
	rec, ok := s.collections[collection][id]
	if ok {
		rec.Deleted = true
		rec.Payload = nil
		rec.Version++
		rec.UpdatedAt = s.tickLocked()
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(collection)
	}
}

// Record returns a copy of the stored record, or false when absent.
func (s *Server) Record(collection, id string) (fieldsync.RemoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return fieldsync.RemoteRecord{}, false
	}
	return rec.wire(), true
}

// tickLocked advances the server clock so every mutation gets a distinct
// timestamp even within one wall-clock millisecond.
func (s *Server) tickLocked() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Server) upsertLocked(collection, id, ownerID string, payload json.RawMessage, deleted bool) *record {
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]*record)
		s.collections[collection] = coll
	}
	rec := coll[id]
	if rec == nil {
		rec = &record{ID: id, OwnerID: ownerID}
		coll[id] = rec
	}
	rec.Version++
	rec.UpdatedAt = s.tickLocked()
	rec.Deleted = deleted
	rec.Payload = payload
	return rec
}

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, *Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.Auth.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		s.mu.Lock()
		s.requests[r.Method+" "+mux.Vars(r)["collection"]]++
		if s.failNext > 0 {
			s.failNext--
			status := s.failStatus
			s.mu.Unlock()
			writeError(w, status, "injected", fmt.Sprintf("injected failure %d", status))
			return
		}
		s.mu.Unlock()

		next(w, r, claims)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, claims *Claims) {
	collection := mux.Vars(r)["collection"]

	var req fieldsync.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed create request")
		return
	}
	if msg := s.rejectMessage(collection, req.Payload); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", msg)
		return
	}

	s.mu.Lock()
	if existing, ok := s.collections[collection][req.ID]; ok && !existing.Deleted {
		wire := existing.wire()
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, wire)
		return
	}
	rec := s.upsertLocked(collection, req.ID, claims.Subject, req.Payload, false)
	wire := rec.wire()
	s.mu.Unlock()

	s.broadcast(collection)
	writeJSON(w, http.StatusCreated, wire)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ *Claims) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	var req fieldsync.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed update request")
		return
	}
	if msg := s.rejectMessage(collection, req.Payload); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", msg)
		return
	}

	s.mu.Lock()
	rec, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such record")
		return
	}
	if rec.Deleted {
		s.mu.Unlock()
		writeError(w, http.StatusGone, "gone", "record was deleted")
		return
	}
	if rec.Version != req.BaseVersion {
		wire := rec.wire()
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, wire)
		return
	}
	rec.Version++
	rec.UpdatedAt = s.tickLocked()
	rec.Payload = req.Payload
	wire := rec.wire()
	s.mu.Unlock()

	s.broadcast(collection)
	writeJSON(w, http.StatusOK, wire)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ *Claims) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	s.mu.Lock()
	rec, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such record")
		return
	}
	if !rec.Deleted {
		rec.Deleted = true
		rec.Payload = nil
		rec.Version++
		rec.UpdatedAt = s.tickLocked()
	}
	s.mu.Unlock()

	s.broadcast(collection)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, _ *Claims) {
	collection := mux.Vars(r)["collection"]
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("updatedSince"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed updatedSince")
			return
		}
		since = parsed
	}
	page := atoiDefault(q.Get("page"), 0)
	pageSize := atoiDefault(q.Get("pageSize"), 100)

	s.mu.Lock()
	var matched []*record
	for _, rec := range s.collections[collection] {
		if rec.UpdatedAt.After(since) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	resp := fieldsync.PullResponse{ServerTime: s.clock}
	start := page * pageSize
	if start < len(matched) {
		end := start + pageSize
		if end > len(matched) {
			end = len(matched)
		}
		for _, rec := range matched[start:end] {
			resp.Records = append(resp.Records, rec.wire())
		}
		if end < len(matched) {
			resp.HasMore = true
			resp.NextPage = page + 1
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Auth.FromRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	// Drain (and discard) client frames until the connection dies.
	go func() {
		defer func() {
			s.wsMu.Lock()
			delete(s.wsConns, conn)
			s.wsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast notifies every websocket subscriber that collection changed.
func (s *Server) broadcast(collection string) {
	s.mu.Lock()
	event := fieldsync.ChangeEvent{Collection: collection, At: s.clock}
	s.mu.Unlock()

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsConns {
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
			delete(s.wsConns, conn)
		}
	}
}

func (s *Server) rejectMessage(collection string, payload json.RawMessage) string {
	if s.RejectPayload == nil {
		return ""
	}
	return s.RejectPayload(collection, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, fieldsync.ErrorResponse{Code: code, Message: message})
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	return n
}
