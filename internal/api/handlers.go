package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/admission"
)

type checkRequest struct {
	Identity string `json:"identity"`
	Class    string `json:"class"`
	Resource string `json:"resource"`
}

type transactionRequest struct {
	checkRequest
	EntityType        string  `json:"entity_type"`
	EntityID          string  `json:"entity_id"`
	Amount            float64 `json:"amount"`
	UserAgent         string  `json:"user_agent"`
	DeviceFingerprint string  `json:"device_fingerprint"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := s.gateway.Check(admission.Request{
		Identity:       req.Identity,
		Class:          req.Class,
		Resource:       req.Resource,
		NetworkAddress: r.RemoteAddr,
	})

	s.writeDecision(w, decision)
}

func (s *Server) handleCheckTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		s.writeError(w, http.StatusBadRequest, "entity_type and entity_id are required")
		return
	}

	decision := s.gateway.CheckTransaction(admission.TransactionRequest{
		Request: admission.Request{
			Identity:       req.Identity,
			Class:          req.Class,
			Resource:       req.Resource,
			NetworkAddress: r.RemoteAddr,
		},
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		Amount:            req.Amount,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
	})

	s.writeDecision(w, decision)
}

// writeDecision maps a gateway decision to HTTP status and rate-limit headers.
func (s *Server) writeDecision(w http.ResponseWriter, d admission.Decision) {
	if d.RateLimit.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.Reset.Unix(), 10))
	}

	if d.Allowed {
		s.writeJSON(w, http.StatusOK, d)
		return
	}

	status := http.StatusForbidden
	if d.Reason == admission.ReasonRateLimited {
		status = http.StatusTooManyRequests
	}
	if d.RetryAfter > 0 {
		seconds := int(d.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.writeJSON(w, status, d)
}

func (s *Server) handleAuthReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Success  bool   `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	anomaly := s.gateway.ReportAuthResult(req.Identity, r.RemoteAddr, req.Success)
	s.writeJSON(w, http.StatusOK, map[string]bool{"anomaly": anomaly})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Duration string `json:"duration"` // empty or "0" blocks permanently
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" {
		s.writeError(w, http.StatusBadRequest, "identity is required")
		return
	}

	var duration time.Duration
	if req.Duration != "" && req.Duration != "0" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration: %v", err))
			return
		}
		duration = parsed
	}

	reason := req.Reason
	if reason == "" {
		reason = "administrative block"
	}

	rec := s.registry.Block(req.Identity, duration, reason)
	if s.metrics != nil {
		s.metrics.ActiveBlocks.Set(float64(s.registry.Count()))
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	removed := s.registry.Unblock(identity, "administrative unblock")
	if !removed {
		s.writeError(w, http.StatusNotFound, "no block for identity")
		return
	}

	// Escalated identities carry violation counters in the limiter too;
	// clearing them makes the unblock effective immediately.
	s.limiter.ClearIdentity(identity)
	if s.metrics != nil {
		s.metrics.ActiveBlocks.Set(float64(s.registry.Count()))
	}

	s.logger.Info("identity unblocked by admin", zap.String("identity", identity))
	s.writeJSON(w, http.StatusOK, map[string]string{"identity": identity, "status": "unblocked"})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, s.trail.Recent(limit))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trail.Alerts())
}

func (s *Server) handleClearAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.trail.ClearAlert(id) {
		s.writeError(w, http.StatusNotFound, "no such alert")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cleared"})
}

func (s *Server) handleAssessments(w http.ResponseWriter, r *http.Request) {
	if s.assessments == nil {
		s.writeError(w, http.StatusServiceUnavailable, "assessment history unavailable")
		return
	}

	identity := r.URL.Query().Get("identity")
	if identity == "" {
		s.writeError(w, http.StatusBadRequest, "identity query parameter is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	assessments, err := s.assessments.ListAssessments(identity, limit)
	if err != nil {
		s.logger.Error("failed to list assessments", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list assessments")
		return
	}
	s.writeJSON(w, http.StatusOK, assessments)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Pattern == "" {
		s.writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	count, err := s.cache.InvalidatePattern(req.Pattern)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pattern: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"invalidated": count})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_blocks":   s.registry.Count(),
		"tracked_windows": s.limiter.Len(),
		"audit_entries":   s.trail.Len(),
		"open_alerts":     len(s.trail.Alerts()),
	}
	if s.cache != nil {
		stats["cache"] = s.cache.GetStats()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
