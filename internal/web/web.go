package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mcsync/internal/config"
	"mcsync/internal/export"
	appLog "mcsync/internal/log"
	"mcsync/internal/store"
	calsync "mcsync/internal/sync"
)

const maxBodyBytes = 1 << 20

// Server exposes the ICS export feeds, the booking API and a manual sync
// trigger.
type Server struct {
	cfg    *config.Config
	store  store.Store
	syncer *calsync.Syncer
	mux    *http.ServeMux

	exporters map[int64]*export.Exporter
}

// NewServer constructs a new Server. syncer may be nil, in which case the
// sync endpoint answers 503.
func NewServer(cfg *config.Config, st store.Store, syncer *calsync.Syncer) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		syncer:    syncer,
		mux:       http.NewServeMux(),
		exporters: make(map[int64]*export.Exporter, len(cfg.Properties)),
	}
	for _, p := range cfg.Properties {
		s.exporters[p.ID] = export.New(st, p.ID, p.Title)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return s.logRequests(h)
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health and the ICS feeds,
// which carry their own key.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/ics/") {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mcsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

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
		path := r.URL.Path
		if strings.HasPrefix(path, "/ics/") {
			// Feed paths embed the access key.
			path = "/ics/...(redacted)"
		}
		appLog.Debug("http request", "method", r.Method, "path", path, "status", rec.status, "duration", time.Since(start).String())
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ics/property/{id}/{file}", s.handleFeed)

	s.mux.HandleFunc("GET /api/properties/{id}/slots", s.handleSlots)
	s.mux.HandleFunc("POST /api/properties/{id}/bookings", s.handleAddBooking)
	s.mux.HandleFunc("PUT /api/properties/{id}/bookings/{uid}", s.handleUpdateBooking)
	s.mux.HandleFunc("DELETE /api/properties/{id}/bookings/{uid}", s.handleCancelBooking)
	s.mux.HandleFunc("POST /api/properties/{id}/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed serves GET /ics/property/{id}/{key}.ics. Unknown properties,
// properties without a key and wrong keys all answer 404.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r.PathValue("id"))
	key, hasExt := strings.CutSuffix(r.PathValue("file"), ".ics")
	if !ok || !hasExt || key == "" {
		http.NotFound(w, r)
		return
	}
	p, found := s.cfg.Property(id)
	if !found || p.ICSKey == "" || !secureCompare(key, p.ICSKey) {
		http.NotFound(w, r)
		return
	}

	doc, err := s.exporters[id].Export(r.Context())
	if err != nil {
		appLog.Error("ics export failed", err, "property_id", id)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", doc.ETag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if etagMatches(r.Header.Get("If-None-Match"), doc.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="property-%d.ics"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc.Body))
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag || `"`+candidate+`"` == etag {
			return true
		}
	}
	return false
}

// bookingRequest is the JSON body for creating or updating a booking.
// Times are RFC 3339.
type bookingRequest struct {
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type bookingResponse struct {
	UID      string `json:"uid"`
	Sequence int    `json:"sequence"`
}

type slotsResponse struct {
	PropertyID     int64     `json:"property_id"`
	ExportSequence int       `json:"export_sequence"`
	Slots          []slotDTO `json:"slots"`
}

// slotDTO is a JSON-friendly view of a stored slot.
type slotDTO struct {
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Source   string         `json:"source"`
	UID      string         `json:"uid,omitempty"`
	Sequence int            `json:"sequence"`
	Feed     string         `json:"feed,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.propertyID(w, r)
	if !ok {
		return
	}
	st, err := s.store.Load(r.Context(), id)
	if err != nil {
		appLog.Error("load slots failed", err, "property_id", id)
		writeError(w, http.StatusInternalServerError, "failed to load slots")
		return
	}

	resp := slotsResponse{PropertyID: id, ExportSequence: st.ExportSequence, Slots: make([]slotDTO, 0, len(st.Slots))}
	for _, sl := range st.Slots {
		resp.Slots = append(resp.Slots, slotDTO{
			Start:    sl.StartTime(),
			End:      sl.EndTime(),
			Source:   string(sl.Source),
			UID:      sl.UID,
			Sequence: sl.Sequence,
			Feed:     sl.Feed,
			Metadata: sl.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.propertyID(w, r)
	if !ok {
		return
	}
	req, ok := decodeBooking(w, r)
	if !ok {
		return
	}

	b, err := s.exporters[id].AddInternalBooking(r.Context(), req.Start, req.End, req.Metadata)
	if err != nil {
		appLog.Error("add booking failed", err, "property_id", id)
		writeError(w, http.StatusInternalServerError, "failed to add booking")
		return
	}
	writeJSON(w, http.StatusCreated, bookingResponse{UID: b.UID, Sequence: b.Sequence})
}

func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.propertyID(w, r)
	if !ok {
		return
	}
	req, ok := decodeBooking(w, r)
	if !ok {
		return
	}

	uid := r.PathValue("uid")
	b, updated, err := s.exporters[id].UpdateInternalBooking(r.Context(), uid, req.Start, req.End, req.Metadata)
	if err != nil {
		appLog.Error("update booking failed", err, "property_id", id, "uid", uid)
		writeError(w, http.StatusInternalServerError, "failed to update booking")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "booking not found")
		return
	}
	writeJSON(w, http.StatusOK, bookingResponse{UID: b.UID, Sequence: b.Sequence})
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.propertyID(w, r)
	if !ok {
		return
	}

	uid := r.PathValue("uid")
	cancelled, err := s.exporters[id].CancelInternalBooking(r.Context(), uid)
	if err != nil {
		appLog.Error("cancel booking failed", err, "property_id", id, "uid", uid)
		writeError(w, http.StatusInternalServerError, "failed to cancel booking")
		return
	}
	if !cancelled {
		writeError(w, http.StatusNotFound, "booking not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync runs one import for a property.
//
// POST /api/properties/{id}/sync?dry_run=1
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.propertyID(w, r)
	if !ok {
		return
	}
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	res, err := s.syncer.SyncProperty(r.Context(), id, calsync.Options{DryRun: dryRun})
	if err != nil {
		if errors.Is(err, store.ErrUnknownProperty) {
			writeError(w, http.StatusNotFound, "unknown property")
			return
		}
		appLog.Error("manual sync failed", err, "property_id", id)
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// propertyID resolves the {id} path segment against the configured
// properties, writing a 404 when it does not match.
func (s *Server) propertyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := parseID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown property")
		return 0, false
	}
	if _, found := s.exporters[id]; !found {
		writeError(w, http.StatusNotFound, "unknown property")
		return 0, false
	}
	return id, true
}

func decodeBooking(w http.ResponseWriter, r *http.Request) (bookingRequest, bool) {
	var req bookingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Start.IsZero() || req.End.IsZero() {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return req, false
	}
	if !req.End.After(req.Start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return req, false
	}
	return req, true
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
