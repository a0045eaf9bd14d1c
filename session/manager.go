package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/detect"
	"bastion/metrics"
	"bastion/storage"
	"bastion/util"
)

// PasswordVerifier is the external credential check. It may be slow or fail;
// the manager never holds internal state across the call and treats errors
// as infrastructure faults, not authentication failures.
type PasswordVerifier interface {
	Verify(ctx context.Context, identifier, password string) (bool, error)
}

// MFAStore reports TOTP enrollment for a user. Optional; a nil store means
// MFA is not in use.
type MFAStore interface {
	TOTPSecret(ctx context.Context, userID string) (secret string, enrolled bool, err error)
}

// SecurityReporter is the slice of the threat engine the manager needs.
type SecurityReporter interface {
	ReportEvent(ctx context.Context, eventType core.EventType, source string, opts detect.ReportOptions) (*core.SecurityEvent, error)
	DetectBruteForce(ctx context.Context, identifier string, kind detect.AttemptKind, wasSuccessful bool) detect.BruteForceResult
	DetectAnomalousActivity(ctx context.Context, userID, action string, metadata map[string]string) detect.AnomalyResult
}

// FailureReason classifies an expected authentication failure.
type FailureReason string

const (
	FailureInvalidCredentials FailureReason = "invalid_credentials"
	FailureAccountLocked      FailureReason = "account_locked"
)

// AuthRequest carries one authentication attempt.
type AuthRequest struct {
	Username          string
	Password          string
	UserAgent         string
	IPAddress         string
	DeviceFingerprint string // optional; derived from user agent + IP when empty
	MFACode           string // optional TOTP code
}

// AuthResult is the typed outcome of an authentication attempt. Failures are
// expected outcomes, never errors; only infrastructure faults surface as errors.
type AuthResult struct {
	Success     bool
	Reason      FailureReason
	Session     *core.Session
	Lockout     *core.LockStatus
	Warnings    []string
	MFARequired bool
	RetryAfter  time.Duration
}

// ValidationStatus is the outcome class of ValidateSession.
type ValidationStatus string

const (
	ValidationValid    ValidationStatus = "valid"
	ValidationNotFound ValidationStatus = "not_found"
	ValidationExpired  ValidationStatus = "expired"
)

// ValidationResult is the outcome of validating a session token.
type ValidationResult struct {
	Status  ValidationStatus
	Session *core.Session
}

// Config holds the session manager tunables.
type Config struct {
	// IdleTimeout invalidates sessions inactive longer than this. Default 1h.
	// Sessions never expire from absolute age, only inactivity.
	IdleTimeout time.Duration
	// MaxConcurrentSessions per user; the oldest-created sessions beyond the
	// limit are evicted. Default 3.
	MaxConcurrentSessions int
	// SweepInterval paces the background idle-session sweep. Default 10m.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard session policy.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:           time.Hour,
		MaxConcurrentSessions: 3,
		SweepInterval:         10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

const eventSource = "session-manager"

// Manager orchestrates authentication, session lifecycle and concurrent
// session eviction. All session state lives in the store; the manager holds
// no session copies of its own.
type Manager struct {
	sessions storage.SessionStore
	lockouts *LockoutTracker
	verifier PasswordVerifier
	mfa      MFAStore
	engine   SecurityReporter
	config   Config
	clock    core.Clock
	logger   *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a session manager. mfa and engine may be nil: MFA is
// then never required and security events are not reported.
func NewManager(sessions storage.SessionStore, lockouts *LockoutTracker, verifier PasswordVerifier, mfa MFAStore, engine SecurityReporter, config Config, clock core.Clock, logger *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Manager{
		sessions: sessions,
		lockouts: lockouts,
		verifier: verifier,
		mfa:      mfa,
		engine:   engine,
		config:   config.withDefaults(),
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Lockouts exposes the lockout tracker for administrative operations.
func (m *Manager) Lockouts() *LockoutTracker {
	return m.lockouts
}

var _ detect.SessionInvalidator = (*Manager)(nil)

// Authenticate runs one login attempt: lockout check first (a locked account
// never reaches the password verifier), then credential verification, failure
// accounting and, on success, suspicious-login heuristics, session creation
// and concurrent-session eviction.
func (m *Manager) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if req.Username == "" {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		return &AuthResult{Success: false, Reason: FailureInvalidCredentials}, nil
	}

	status, err := m.lockouts.CheckLock(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("lockout check: %w", err)
	}
	if status.Locked {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		m.report(ctx, core.EventFailedLogin, req, map[string]string{
			"reason": string(FailureAccountLocked),
		})
		if m.engine != nil {
			m.engine.DetectBruteForce(ctx, req.Username, detect.AttemptLogin, false)
		}
		return &AuthResult{
			Success:    false,
			Reason:     FailureAccountLocked,
			Lockout:    &status,
			RetryAfter: status.Remaining,
		}, nil
	}

	verified, err := m.verifier.Verify(ctx, req.Username, req.Password)
	if err != nil {
		return nil, fmt.Errorf("password verifier: %w", err)
	}

	if !verified {
		return m.handleFailedLogin(ctx, req)
	}
	return m.handleSuccessfulLogin(ctx, req)
}

func (m *Manager) handleFailedLogin(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	lockout, newlyLocked, err := m.lockouts.RecordFailure(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}

	metrics.LoginAttempts.WithLabelValues("failure").Inc()
	m.report(ctx, core.EventFailedLogin, req, map[string]string{
		"reason":          string(FailureInvalidCredentials),
		"failed_attempts": fmt.Sprintf("%d", lockout.FailedAttempts),
	})
	if newlyLocked {
		m.report(ctx, core.EventAccountLocked, req, map[string]string{
			"failed_attempts": fmt.Sprintf("%d", lockout.FailedAttempts),
		})
	}

	result := &AuthResult{Success: false, Reason: FailureInvalidCredentials}
	if m.engine != nil {
		brute := m.engine.DetectBruteForce(ctx, req.Username, detect.AttemptLogin, false)
		if brute.ShouldBlock {
			result.RetryAfter = brute.RetryAfter
		}
	}
	if lockout.Locked {
		result.Reason = FailureAccountLocked
		result.Lockout = &core.LockStatus{
			Locked:         true,
			FailedAttempts: lockout.FailedAttempts,
			UnlockAt:       lockout.UnlockAt,
		}
	}
	return result, nil
}

func (m *Manager) handleSuccessfulLogin(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if err := m.lockouts.RecordSuccess(ctx, req.Username); err != nil {
		return nil, fmt.Errorf("reset login failures: %w", err)
	}
	if m.engine != nil {
		m.engine.DetectBruteForce(ctx, req.Username, detect.AttemptLogin, true)
	}

	fingerprint := req.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = core.DeviceFingerprint(req.UserAgent, req.IPAddress)
	}

	warnings, err := m.suspiciousLoginWarnings(ctx, req, fingerprint)
	if err != nil {
		return nil, err
	}

	session, err := m.createSession(ctx, req, fingerprint)
	if err != nil {
		return nil, err
	}

	if err := m.evictBeyondLimit(ctx, req.Username); err != nil {
		return nil, err
	}

	mfaRequired, err := m.mfaRequired(ctx, req)
	if err != nil {
		return nil, err
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	m.report(ctx, core.EventSuccessfulLogin, req, map[string]string{
		"session_id": session.ID,
	})
	m.logger.Infow("AUDIT: User authenticated",
		"user_id", util.SanitizeLogValue(req.Username),
		"session_id", session.ID,
		"ip", req.IPAddress,
		"mfa_required", mfaRequired,
		"warnings", len(warnings))

	return &AuthResult{
		Success:     true,
		Session:     session,
		Warnings:    warnings,
		MFARequired: mfaRequired,
	}, nil
}

// suspiciousLoginWarnings evaluates the login against known devices and the
// user's behavioral baseline. Warnings never block the login.
func (m *Manager) suspiciousLoginWarnings(ctx context.Context, req AuthRequest, fingerprint string) ([]string, error) {
	var warnings []string

	existing, err := m.sessions.ActiveByUser(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if len(existing) > 0 {
		known := false
		for _, s := range existing {
			if s.DeviceFingerprint == fingerprint {
				known = true
				break
			}
		}
		if !known {
			warnings = append(warnings, "login from unrecognized device fingerprint")
		}
	}

	if m.engine != nil {
		anomaly := m.engine.DetectAnomalousActivity(ctx, req.Username, "login", map[string]string{
			"client_ip": req.IPAddress,
		})
		warnings = append(warnings, anomaly.Reasons...)
	}

	if len(warnings) > 0 {
		m.report(ctx, core.EventSuspiciousLogin, req, map[string]string{
			"warnings": strings.Join(warnings, "; "),
		})
	}
	return warnings, nil
}

func (m *Manager) createSession(ctx context.Context, req AuthRequest, fingerprint string) (*core.Session, error) {
	token, err := core.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	session := &core.Session{
		ID:                token,
		UserID:            req.Username,
		DeviceFingerprint: fingerprint,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		CreatedAt:         now,
		LastActivityAt:    now,
		Active:            true,
	}
	if err := m.sessions.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	return session, nil
}

// evictBeyondLimit enforces the concurrent-session cap by deactivating the
// oldest-created sessions over the limit.
func (m *Manager) evictBeyondLimit(ctx context.Context, userID string) error {
	active, err := m.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	excess := len(active) - m.config.MaxConcurrentSessions
	for i := 0; i < excess; i++ {
		evicted := active[i] // oldest first
		if _, err := m.sessions.Deactivate(ctx, evicted.ID); err != nil {
			return fmt.Errorf("evict session: %w", err)
		}
		metrics.SessionsInvalidated.WithLabelValues("concurrent_eviction").Inc()
		if m.engine != nil {
			_, repErr := m.engine.ReportEvent(ctx, core.EventSessionInvalidated, eventSource, detect.ReportOptions{
				UserID:   userID,
				ClientIP: evicted.IPAddress,
				Details: map[string]string{
					"session_id": evicted.ID,
					"reason":     "concurrent_session_eviction",
				},
			})
			if repErr != nil {
				m.logger.Warnf("Failed to report session eviction: %v", repErr)
			}
		}
		m.logger.Infow("AUDIT: Session evicted over concurrent limit",
			"user_id", util.SanitizeLogValue(userID),
			"session_id", evicted.ID)
	}
	return nil
}

func (m *Manager) mfaRequired(ctx context.Context, req AuthRequest) (bool, error) {
	if m.mfa == nil {
		return false, nil
	}
	secret, enrolled, err := m.mfa.TOTPSecret(ctx, req.Username)
	if err != nil {
		return false, fmt.Errorf("mfa lookup: %w", err)
	}
	if !enrolled {
		return false, nil
	}
	if req.MFACode != "" && totp.Validate(req.MFACode, secret) {
		return false, nil
	}
	return true, nil
}

// ValidateSession resolves a session token. An idle-expired session is
// invalidated as a side effect; sessions never expire from absolute age.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string) (*ValidationResult, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return &ValidationResult{Status: ValidationNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	now := m.clock.Now()
	if session.IdleExpired(now, m.config.IdleTimeout) {
		if _, err := m.sessions.Deactivate(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("deactivate expired session: %w", err)
		}
		metrics.SessionsInvalidated.WithLabelValues("idle_timeout").Inc()
		if m.engine != nil {
			_, repErr := m.engine.ReportEvent(ctx, core.EventSessionInvalidated, eventSource, detect.ReportOptions{
				UserID: session.UserID,
				Details: map[string]string{
					"session_id": sessionID,
					"reason":     "idle_timeout",
				},
			})
			if repErr != nil {
				m.logger.Warnf("Failed to report session expiry: %v", repErr)
			}
		}
		return &ValidationResult{Status: ValidationExpired}, nil
	}

	if err := m.sessions.Touch(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	session.LastActivityAt = now
	return &ValidationResult{Status: ValidationValid, Session: session}, nil
}

// InvalidateSession deactivates a session. Idempotent: an absent or already
// inactive session returns false without error.
func (m *Manager) InvalidateSession(ctx context.Context, sessionID, reason string) (bool, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}

	ok, err := m.sessions.Deactivate(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}
	if !ok {
		return false, nil
	}

	metrics.SessionsInvalidated.WithLabelValues("explicit").Inc()
	if m.engine != nil {
		_, repErr := m.engine.ReportEvent(ctx, core.EventSessionInvalidated, eventSource, detect.ReportOptions{
			UserID: session.UserID,
			Details: map[string]string{
				"session_id": sessionID,
				"reason":     reason,
			},
		})
		if repErr != nil {
			m.logger.Warnf("Failed to report session invalidation: %v", repErr)
		}
	}
	m.logger.Infow("AUDIT: Session invalidated",
		"user_id", util.SanitizeLogValue(session.UserID),
		"session_id", sessionID,
		"reason", util.SanitizeLogValue(reason))
	return true, nil
}

// TerminateOtherSessions invalidates every active session for the user except
// keepSessionID. Unknown users yield zero, not an error.
func (m *Manager) TerminateOtherSessions(ctx context.Context, userID, keepSessionID string) (int, error) {
	active, err := m.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	terminated := 0
	for _, s := range active {
		if s.ID == keepSessionID {
			continue
		}
		ok, err := m.InvalidateSession(ctx, s.ID, "terminate_other_sessions")
		if err != nil {
			return terminated, err
		}
		if ok {
			terminated++
		}
	}
	return terminated, nil
}

// TerminateUserSessions invalidates every active session for the user. This
// is the hook response actions use to cut off a compromised account.
func (m *Manager) TerminateUserSessions(ctx context.Context, userID, reason string) (int, error) {
	active, err := m.sessions.ActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	terminated := 0
	for _, s := range active {
		ok, err := m.InvalidateSession(ctx, s.ID, reason)
		if err != nil {
			return terminated, err
		}
		if ok {
			terminated++
		}
	}
	return terminated, nil
}

// GetUserSessions returns the user's active sessions, oldest first.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]*core.Session, error) {
	return m.sessions.ActiveByUser(ctx, userID)
}

// GetAccountLockout returns the lockout record for an identifier, nil when
// the identifier has no failure state.
func (m *Manager) GetAccountLockout(ctx context.Context, identifier string) (*core.AccountLockout, error) {
	return m.lockouts.Get(ctx, identifier)
}

// report records a security event tied to an authentication request.
func (m *Manager) report(ctx context.Context, eventType core.EventType, req AuthRequest, details map[string]string) {
	if m.engine == nil {
		return
	}
	_, err := m.engine.ReportEvent(ctx, eventType, eventSource, detect.ReportOptions{
		UserID:    req.Username,
		ClientIP:  req.IPAddress,
		UserAgent: req.UserAgent,
		Details:   details,
	})
	if err != nil {
		m.logger.Warnf("Failed to report %s event: %v", eventType, err)
	}
}

// Start launches the periodic idle-session sweep.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

// sweepIdle deactivates sessions that idled out between validations so they
// do not linger in the store waiting for a lookup.
func (m *Manager) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := m.clock.Now().Add(-m.config.IdleTimeout)
	expired, err := m.sessions.ExpireIdle(ctx, cutoff)
	if err != nil {
		m.logger.Warnf("Idle session sweep failed: %v", err)
		return
	}
	if expired > 0 {
		metrics.SessionsInvalidated.WithLabelValues("idle_timeout").Add(float64(expired))
		m.logger.Infof("Idle session sweep deactivated %d sessions", expired)
	}
}

// Stop terminates the sweep loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}
