package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bastion/detect"
	"bastion/session"
	"bastion/storage"
)

// respondJSON writes a JSON response with proper error handling.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already started; log for monitoring.
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// writeError writes an error response to the client and logs it.
func (a *API) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		a.logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
	}
	http.Error(w, message, statusCode)
}

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// loginRequest is the body of POST /api/v1/login.
type loginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required,min=1,max=128"`
	MFACode  string `json:"mfa_code" validate:"omitempty,len=6,numeric"`
}

// loginResponse carries the issued token and session on success.
type loginResponse struct {
	Token        string   `json:"token,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	MFARequired  bool     `json:"mfa_required,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	RetryAfterMs int64    `json:"retry_after_ms,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	validate := validator.New()
	if err := validate.Struct(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid login request format", err)
		return
	}

	clientIP := getClientIP(r)
	if a.engine.IsIPBlocked(clientIP) {
		a.writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}
	if limited, remaining := a.engine.IsThrottled(req.Username); limited {
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
		a.writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
		return
	}

	result, err := a.sessions.Authenticate(r.Context(), session.AuthRequest{
		Username:  req.Username,
		Password:  req.Password,
		MFACode:   req.MFACode,
		UserAgent: r.UserAgent(),
		IPAddress: clientIP,
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Authentication service unavailable", err)
		return
	}

	if !result.Success {
		resp := loginResponse{Error: "Invalid credentials"}
		status := http.StatusUnauthorized
		if result.Reason == session.FailureAccountLocked {
			resp.Error = "Account locked"
			status = http.StatusLocked
		}
		if result.RetryAfter > 0 {
			resp.RetryAfterMs = result.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
		}
		a.respondJSON(w, resp, status)
		return
	}

	if result.MFARequired {
		a.respondJSON(w, loginResponse{MFARequired: true}, http.StatusUnauthorized)
		return
	}

	token, err := a.generateJWT(req.Username)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	a.respondJSON(w, loginResponse{
		Token:     token,
		SessionID: result.Session.ID,
		Warnings:  result.Warnings,
	}, http.StatusOK)
}

func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	events, err := a.engine.RecentEvents(r.Context(), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to get events", err)
		return
	}
	a.respondJSON(w, events, http.StatusOK)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	event, err := a.engine.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Event not found", nil)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to get event", err)
		return
	}
	a.respondJSON(w, event, http.StatusOK)
}

func (a *API) resolveEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.engine.ResolveEvent(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Event not found", nil)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to resolve event", err)
		return
	}
	a.respondJSON(w, map[string]string{"status": "resolved"}, http.StatusOK)
}

func (a *API) getSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := a.engine.Metrics(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to get security metrics", err)
		return
	}
	a.respondJSON(w, metrics, http.StatusOK)
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, a.engine.Rules(), http.StatusOK)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule detect.ThreatRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := a.engine.AddRule(&rule); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid rule: %v", err), nil)
		return
	}
	a.logger.Infow("AUDIT: Threat rule created",
		"rule_id", rule.ID,
		"actor", UsernameFromContext(r.Context()))
	a.respondJSON(w, rule, http.StatusCreated)
}

func (a *API) setRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := a.engine.SetRuleEnabled(id, enabled); err != nil {
			a.writeError(w, http.StatusNotFound, "Rule not found", nil)
			return
		}
		a.logger.Infow("AUDIT: Threat rule toggled",
			"rule_id", id,
			"enabled", enabled,
			"actor", UsernameFromContext(r.Context()))
		a.respondJSON(w, map[string]bool{"enabled": enabled}, http.StatusOK)
	}
}

func (a *API) getUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	sessions, err := a.sessions.GetUserSessions(r.Context(), userID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to get sessions", err)
		return
	}
	a.respondJSON(w, sessions, http.StatusOK)
}

// invalidateSessionRequest is the body of POST /api/v1/sessions/{id}/invalidate.
type invalidateSessionRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

func (a *API) invalidateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req invalidateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "administrative"
	}
	removed, err := a.sessions.InvalidateSession(r.Context(), id, reason)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to invalidate session", err)
		return
	}
	if !removed {
		a.writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	a.respondJSON(w, map[string]string{"status": "invalidated"}, http.StatusOK)
}

func (a *API) getLockout(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["id"]
	lockout, err := a.sessions.GetAccountLockout(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "No lockout record", nil)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to get lockout", err)
		return
	}
	a.respondJSON(w, lockout, http.StatusOK)
}

func (a *API) unlockAccount(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["id"]
	unlocked, err := a.sessions.Lockouts().ManualUnlock(r.Context(), identifier, UsernameFromContext(r.Context()))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to unlock account", err)
		return
	}
	if !unlocked {
		a.writeError(w, http.StatusNotFound, "Account is not locked", nil)
		return
	}
	a.respondJSON(w, map[string]string{"status": "unlocked"}, http.StatusOK)
}

// blockIPRequest is the body of POST /api/v1/ips/block.
type blockIPRequest struct {
	IP     string `json:"ip" validate:"required,ip"`
	Reason string `json:"reason" validate:"required,max=255"`
	// DurationSeconds of zero blocks the IP indefinitely.
	DurationSeconds int `json:"duration_seconds" validate:"omitempty,min=0"`
}

func (a *API) blockIP(w http.ResponseWriter, r *http.Request) {
	var req blockIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	validate := validator.New()
	if err := validate.Struct(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid block request format", err)
		return
	}
	a.engine.BlockIP(r.Context(), req.IP, req.Reason, time.Duration(req.DurationSeconds)*time.Second)
	a.logger.Infow("AUDIT: IP blocked via API",
		"ip", req.IP,
		"reason", req.Reason,
		"actor", UsernameFromContext(r.Context()))
	a.respondJSON(w, map[string]string{"status": "blocked"}, http.StatusOK)
}

func (a *API) unblockIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if !a.engine.UnblockIP(ip) {
		a.writeError(w, http.StatusNotFound, "IP is not blocked", nil)
		return
	}
	a.logger.Infow("AUDIT: IP unblocked via API",
		"ip", ip,
		"actor", UsernameFromContext(r.Context()))
	a.respondJSON(w, map[string]string{"status": "unblocked"}, http.StatusOK)
}
