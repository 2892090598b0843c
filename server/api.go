// SPDX-License-Identifier: MIT
// Auditor - REST monitoring and admin API
//
// Public:
//   GET    /health                                  - load balancer health check
//   GET    /api/v1/stats                            - verification statistics
//   GET    /metrics                                 - Prometheus metrics
// Reader key (when configured):
//   GET    /api/v1/pairings                         - namespaces and pairing counts
//   GET    /api/v1/pairings/{namespace}             - pairings in a namespace
//   GET    /api/v1/pairings/{namespace}/{identity}  - one pairing with history
//   GET    /api/v1/audit                            - audit trail
//   GET    /api/v1/attestations                     - verification decisions
// Admin key:
//   DELETE /api/v1/pairings/{namespace}/{identity}  - forget one auditee
//   DELETE /api/v1/pairings/{namespace}             - forget a whole namespace

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/verify"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

type APIHandler struct {
	server    *Server
	startTime time.Time
}

// builds the API router for srv
func NewAPIHandler(srv *Server) http.Handler {
	h := &APIHandler{server: srv, startTime: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, h.logRequests)

	r.Get("/health", h.handleHealth)
	r.Get("/api/v1/stats", h.handleStats)
	r.Method(http.MethodGet, "/metrics", srv.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.requireReader)
		r.Get("/api/v1/pairings", h.handleNamespaces)
		r.Get("/api/v1/pairings/{namespace}", h.handleListPairings)
		r.Get("/api/v1/pairings/{namespace}/{identity}", h.handlePairing)
		r.Get("/api/v1/audit", h.handleAudit)
		r.Get("/api/v1/attestations", h.handleAttestations)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Delete("/api/v1/pairings/{namespace}/{identity}", h.handleClearPairing)
		r.Delete("/api/v1/pairings/{namespace}", h.handleClearNamespace)
	})

	return r
}

type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_sec"`
	Socket    struct {
		Listening bool   `json:"listening"`
		Address   string `json:"address"`
	} `json:"socket"`
}

type statsResponse struct {
	PendingChallenges int            `json:"pending_challenges"`
	UsedChallenges    int            `json:"used_challenges"`
	Pairings          map[string]int `json:"pairings"`
	Policy            string         `json:"policy"`
	Verifications     any            `json:"verifications"`
	Uptime            string         `json:"uptime"`
	UptimeSec         int64          `json:"uptime_sec"`
}

type pairingSummary struct {
	Namespace     string    `json:"namespace"`
	Identity      string    `json:"identity"`
	Fingerprint   string    `json:"fingerprint"`
	Verifications int       `json:"verifications"`
	Strong        bool      `json:"strong"`
	SecurityLevel string    `json:"security_level"`
	OSPatchLevel  uint32    `json:"os_patch_level,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

type pairingDetail struct {
	pairingSummary
	History []store.HistoryEntry `json:"history"`
}

type pairingListResponse struct {
	Namespace string           `json:"namespace"`
	Pairings  []pairingSummary `json:"pairings"`
	Count     int              `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func summarize(rec *store.PairingRecord) pairingSummary {
	s := pairingSummary{
		Namespace:     rec.Key.Namespace,
		Identity:      rec.Key.Identity,
		Fingerprint:   verify.KeyFingerprint(rec.PinnedPublicKey),
		Verifications: len(rec.History),
		SecurityLevel: rec.LastProperties.SecurityLevel.String(),
		OSPatchLevel:  rec.LastProperties.OSPatchLevel,
		FirstSeen:     rec.CreatedAt,
		LastSeen:      rec.UpdatedAt,
	}
	if n := len(rec.History); n > 0 {
		s.Strong = rec.History[n-1].Strong
	}
	return s
}

// returns 200 while the socket listener is up, 503 otherwise
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.server.HealthCheck()

	resp := healthResponse{
		Status:    "ok",
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
	}
	resp.Socket.Listening = health.Listening
	resp.Socket.Address = health.Address

	if !health.Listening {
		resp.Status = "degraded"
		writeJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, resp)
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	health := h.server.HealthCheck()
	resp := statsResponse{
		PendingChallenges: health.PendingChallenges,
		UsedChallenges:    health.UsedChallenges,
		Pairings:          map[string]int{},
		Policy:            h.server.engine.Policy().Name,
		Verifications:     h.server.metrics.Snapshot(),
		Uptime:            time.Since(h.startTime).Truncate(time.Second).String(),
		UptimeSec:         int64(time.Since(h.startTime).Seconds()),
	}

	if ps := h.server.engine.Store(); ps != nil {
		total := 0
		namespaces, err := ps.Namespaces()
		if err != nil {
			h.internalError(w, "failed to list namespaces", err)
			return
		}
		for _, ns := range namespaces {
			records, err := ps.List(ns)
			if err != nil {
				h.internalError(w, "failed to list pairings", err)
				return
			}
			resp.Pairings[ns] = len(records)
			total += len(records)
		}
		h.server.metrics.PairedAuditees.Set(float64(total))
	}
	writeJSON(w, resp)
}

func (h *APIHandler) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	ps := h.pairingStore(w)
	if ps == nil {
		return
	}
	namespaces, err := ps.Namespaces()
	if err != nil {
		h.internalError(w, "failed to list namespaces", err)
		return
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	writeJSON(w, map[string]any{"namespaces": namespaces, "count": len(namespaces)})
}

func (h *APIHandler) handleListPairings(w http.ResponseWriter, r *http.Request) {
	ps := h.pairingStore(w)
	if ps == nil {
		return
	}
	ns := chi.URLParam(r, "namespace")
	records, err := ps.List(ns)
	if err != nil {
		h.internalError(w, "failed to list pairings", err)
		return
	}

	resp := pairingListResponse{Namespace: ns, Pairings: make([]pairingSummary, 0, len(records))}
	for i := range records {
		resp.Pairings = append(resp.Pairings, summarize(&records[i]))
	}
	resp.Count = len(resp.Pairings)
	writeJSON(w, resp)
}

func (h *APIHandler) handlePairing(w http.ResponseWriter, r *http.Request) {
	ps := h.pairingStore(w)
	if ps == nil {
		return
	}
	key := store.Key{Namespace: chi.URLParam(r, "namespace"), Identity: chi.URLParam(r, "identity")}
	rec, err := ps.Lookup(key)
	if err != nil {
		h.internalError(w, "failed to look up pairing", err)
		return
	}
	if rec == nil {
		writeJSONStatus(w, http.StatusNotFound, errorResponse{Error: "pairing not found"})
		return
	}
	writeJSON(w, pairingDetail{pairingSummary: summarize(rec), History: rec.History})
}

func (h *APIHandler) handleClearPairing(w http.ResponseWriter, r *http.Request) {
	key := store.Key{Namespace: chi.URLParam(r, "namespace"), Identity: chi.URLParam(r, "identity")}
	actor := actorFrom(r)

	err := h.server.queue.Do(r.Context(), "clear_auditor", func(ctx context.Context) error {
		return h.server.engine.ClearAuditor(ctx, key, actor)
	})
	if err != nil {
		h.internalError(w, "failed to clear pairing", err)
		return
	}
	writeJSON(w, map[string]string{
		"status":    "cleared",
		"namespace": key.Namespace,
		"identity":  key.Identity,
	})
}

func (h *APIHandler) handleClearNamespace(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	actor := actorFrom(r)

	var removed int
	err := h.server.queue.Do(r.Context(), "clear_all_auditor", func(ctx context.Context) error {
		n, err := h.server.engine.ClearAllAuditor(ctx, ns, actor)
		removed = n
		return err
	})
	if err != nil {
		h.internalError(w, "failed to clear namespace", err)
		return
	}
	writeJSON(w, map[string]any{
		"status":    "cleared",
		"namespace": ns,
		"removed":   removed,
	})
}

func (h *APIHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.server.auditLog == nil {
		writeJSON(w, map[string]any{"entries": []store.AuditEntry{}, "count": 0})
		return
	}
	entries := h.server.auditLog.Query(queryLimit(r))
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *APIHandler) handleAttestations(w http.ResponseWriter, r *http.Request) {
	if h.server.attestationLog == nil {
		writeJSON(w, map[string]any{"records": []store.AttestationRecord{}, "count": 0})
		return
	}
	records := h.server.attestationLog.QueryAttestations(queryLimit(r))
	writeJSON(w, map[string]any{"records": records, "count": len(records)})
}

func (h *APIHandler) pairingStore(w http.ResponseWriter) store.PairingStore {
	ps := h.server.engine.Store()
	if ps == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, errorResponse{Error: "no pairing store configured"})
	}
	return ps
}

func (h *APIHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.server.log.Error(msg, "error", err)
	writeJSONStatus(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

// admin endpoints are disabled entirely without a configured key
func (h *APIHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.adminAPIKey == "" {
			writeJSONStatus(w, http.StatusForbidden, errorResponse{Error: "admin API key not configured"})
			return
		}
		if !h.authorize(w, r, h.server.adminAPIKey) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// reader endpoints are public unless a reader key is configured
// the admin key is accepted as well
func (h *APIHandler) requireReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.readerAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !h.authorize(w, r, h.server.readerAPIKey, h.server.adminAPIKey) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) authorize(w http.ResponseWriter, r *http.Request, keys ...string) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="auditor"`)
		writeJSONStatus(w, http.StatusUnauthorized, errorResponse{Error: "missing Authorization header"})
		return false
	}

	// scheme is case-insensitive per RFC 7235
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="auditor"`)
		writeJSONStatus(w, http.StatusUnauthorized, errorResponse{Error: "invalid Authorization header"})
		return false
	}

	for _, key := range keys {
		if key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	h.server.log.Warn("rejected API key", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	writeJSONStatus(w, http.StatusForbidden, errorResponse{Error: "invalid API key"})
	return false
}

func (h *APIHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.server.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func queryLimit(r *http.Request) int {
	limit := defaultQueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
