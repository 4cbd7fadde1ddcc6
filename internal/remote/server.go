package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/roach88/tally/internal/ledger"
)

// Server is a reference in-memory remote authority.
//
// It serves:
//
//	POST /v1/records             push a record (create, update or tombstone)
//	GET  /v1/records/{serverID}  pull the server copy
//	GET  /healthz                liveness
//
// Thread-safety: all methods are safe for concurrent use.
type Server struct {
	mu sync.Mutex

	// records is keyed by serverID; byOffline maps offlineID to serverID.
	records   map[string]*wireRecord
	byOffline map[string]string

	// applied remembers every ack by offlineID and version for replay.
	applied map[string]map[int64]Ack
	effects int

	router *mux.Router
	secret []byte
	ids    ledger.IDGenerator
	clock  ledger.Clock
	logger zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerSecret requires a valid device bearer token on /v1 routes.
func WithServerSecret(secret []byte) ServerOption {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithServerClock sets the clock used for lastModified and token expiry.
func WithServerClock(clock ledger.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithServerIDs sets the generator for server ids.
func WithServerIDs(ids ledger.IDGenerator) ServerOption {
	return func(s *Server) {
		s.ids = ids
	}
}

// WithServerLogger sets the request logger. Default: zerolog.Nop().
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an empty reference server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		records:   make(map[string]*wireRecord),
		byOffline: make(map[string]string),
		applied:   make(map[string]map[int64]Ack),
		ids:       ledger.UUIDv7Generator{},
		clock:     ledger.SystemClock{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.logRequests)
	if len(s.secret) > 0 {
		api.Use(s.requireDevice)
	}
	api.HandleFunc("/records", s.push).Methods(http.MethodPost)
	api.HandleFunc("/records/{serverID}", s.pull).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Effects returns how many pushes changed server state. Replays do not count.
func (s *Server) Effects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effects
}

// Get returns the server copy of serverID.
func (s *Server) Get(serverID string) (ledger.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[serverID]
	if !ok {
		return ledger.Record{}, false
	}
	return w.record(), true
}

// ServerIDs returns every known server id in sorted order.
func (s *Server) ServerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EditRemote simulates an independent change made by another client: fn
// edits the business fields and the server version is bumped by one.
func (s *Server) EditRemote(serverID string, fn func(*ledger.Fields)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[serverID]
	if !ok {
		return fmt.Errorf("edit remote: unknown server id %s", serverID)
	}
	rec := w.record()
	fn(&rec.Fields)
	w.Account = rec.Fields.Account
	w.Description = rec.Fields.Description
	w.Category = rec.Fields.Category
	w.Amount = rec.Fields.Amount
	w.Currency = rec.Fields.Currency
	w.OccurredAt = rec.Fields.OccurredAt
	w.Version++
	w.LastModified = s.clock.Now().UTC()
	return nil
}

// Forget hard-deletes a server record, as if purged remotely.
func (s *Server) Forget(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.records[serverID]
	if !ok {
		return
	}
	delete(s.records, serverID)
	delete(s.byOffline, w.OfflineID)
	delete(s.applied, w.OfflineID)
}

var errInvalidPush = errors.New("invalid push")

// apply runs the push state machine. On failure it returns the HTTP status
// to answer with and, for conflicts, the current server copy.
func (s *Server) apply(in wireRecord) (Ack, int, *wireRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.OfflineID == "" || in.Version < 1 {
		return Ack{}, http.StatusUnprocessableEntity, nil, fmt.Errorf("%w: offlineId and version >= 1 required", errInvalidPush)
	}
	fields := ledger.Fields{
		Account:     in.Account,
		Description: in.Description,
		Category:    in.Category,
		Amount:      in.Amount,
		Currency:    in.Currency,
		OccurredAt:  in.OccurredAt,
	}
	normalized, err := fields.Normalize()
	if err != nil {
		return Ack{}, http.StatusUnprocessableEntity, nil, fmt.Errorf("%w: %v", errInvalidPush, err)
	}

	// Replay of an already applied (offlineId, version): no second effect.
	if ack, ok := s.applied[in.OfflineID][in.Version]; ok {
		return ack, http.StatusOK, nil, nil
	}

	serverID, known := s.byOffline[in.OfflineID]
	if !known && in.ServerID != "" {
		return Ack{}, http.StatusNotFound, nil, fmt.Errorf("record %s not found", in.ServerID)
	}
	if known {
		cur := s.records[serverID]
		if in.BaseVersion != cur.Version || in.Version <= cur.Version {
			copied := *cur
			return Ack{}, http.StatusConflict, &copied, fmt.Errorf("version conflict: server at %d, push %d from base %d", cur.Version, in.Version, in.BaseVersion)
		}
	} else {
		serverID = s.ids.NewID()
	}

	now := s.clock.Now().UTC()
	stored := wireRecord{
		ServerID:     serverID,
		OfflineID:    in.OfflineID,
		Version:      in.Version,
		IsDeleted:    in.IsDeleted,
		Account:      normalized.Account,
		Description:  normalized.Description,
		Category:     normalized.Category,
		Amount:       normalized.Amount,
		Currency:     normalized.Currency,
		OccurredAt:   normalized.OccurredAt,
		LastModified: now,
	}
	s.records[serverID] = &stored
	s.byOffline[in.OfflineID] = serverID

	ack := Ack{ServerID: serverID, Version: in.Version, LastModified: now}
	if s.applied[in.OfflineID] == nil {
		s.applied[in.OfflineID] = make(map[int64]Ack)
	}
	s.applied[in.OfflineID][in.Version] = ack
	s.effects++
	return ack, http.StatusOK, nil, nil
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var in wireRecord
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err), nil)
		return
	}

	ack, status, server, err := s.apply(in)
	if err != nil {
		writeError(w, status, err.Error(), server)
		return
	}
	writeJSON(w, status, ack)
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["serverID"]

	s.mu.Lock()
	rec, ok := s.records[serverID]
	var out wireRecord
	if ok {
		out = *rec
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", serverID), nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireDevice rejects requests without a valid device token.
func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		device, err := ValidateDeviceToken(token, s.secret, s.clock.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withDevice(r.Context(), device)))
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, server *wireRecord) {
	writeJSON(w, status, errorBody{Error: msg, Server: server})
}
