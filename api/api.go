package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bastion/config"
	"bastion/detect"
	"bastion/session"
	"bastion/storage"
	"bastion/util"
)

// rateLimiterEntry holds a per-IP rate limiter with last seen time.
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the HTTP server exposing the security core.
type API struct {
	router   *mux.Router
	server   *http.Server
	engine   *detect.Engine
	sessions *session.Manager
	history  storage.PasswordHistoryStore
	policy   *util.PasswordPolicy
	config   *config.Config
	logger   *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates the API server and wires its routes. history may be nil;
// the password endpoints then validate against policy only.
func NewAPI(engine *detect.Engine, sessions *session.Manager, history storage.PasswordHistoryStore, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		engine:       engine,
		sessions:     sessions,
		history:      history,
		policy:       policyFromConfig(cfg),
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes.
func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
	a.router.HandleFunc("/api/v1/login", a.login).Methods("POST")

	protected := a.router.PathPrefix("/api/v1").Subrouter()
	protected.Use(a.jwtAuthMiddleware)
	protected.HandleFunc("/events", a.getEvents).Methods("GET")
	protected.HandleFunc("/events/{id}", a.getEvent).Methods("GET")
	protected.HandleFunc("/events/{id}/resolve", a.resolveEvent).Methods("POST")
	protected.HandleFunc("/metrics", a.getSecurityMetrics).Methods("GET")
	protected.HandleFunc("/rules", a.getRules).Methods("GET")
	protected.HandleFunc("/rules", a.createRule).Methods("POST")
	protected.HandleFunc("/rules/{id}/enable", a.setRuleEnabled(true)).Methods("POST")
	protected.HandleFunc("/rules/{id}/disable", a.setRuleEnabled(false)).Methods("POST")
	protected.HandleFunc("/users/{id}/sessions", a.getUserSessions).Methods("GET")
	protected.HandleFunc("/sessions/{id}/invalidate", a.invalidateSession).Methods("POST")
	protected.HandleFunc("/lockouts/{id}", a.getLockout).Methods("GET")
	protected.HandleFunc("/lockouts/{id}/unlock", a.unlockAccount).Methods("POST")
	protected.HandleFunc("/ips/block", a.blockIP).Methods("POST")
	protected.HandleFunc("/ips/{ip}/unblock", a.unblockIP).Methods("POST")
	protected.HandleFunc("/password/check", a.checkPassword).Methods("POST")
}

// policyFromConfig builds the password policy from configuration, falling
// back to the defaults for unset knobs.
func policyFromConfig(cfg *config.Config) *util.PasswordPolicy {
	policy := util.DefaultPasswordPolicy()
	if cfg.Password.MinLength > 0 {
		policy.MinLength = cfg.Password.MinLength
	}
	if cfg.Password.MaxLength > 0 {
		policy.MaxLength = cfg.Password.MaxLength
	}
	policy.RequireUppercase = cfg.Password.RequireUpper
	policy.RequireLowercase = cfg.Password.RequireLower
	policy.RequireDigit = cfg.Password.RequireDigit
	policy.RequireSymbol = cfg.Password.RequireSymbol
	if cfg.Password.MaxRepeatRun > 0 {
		policy.MaxRepeatRun = cfg.Password.MaxRepeatRun
	}
	if cfg.Password.HistoryCount > 0 {
		policy.HistoryCount = cfg.Password.HistoryCount
	}
	return policy
}

// Router exposes the handler tree for tests and embedding.
func (a *API) Router() http.Handler {
	return a.router
}

// Start starts the API server.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a.server.ListenAndServe()
}

// Stop stops the API server.
func (a *API) Stop(ctx context.Context) error {
	close(a.stopCh)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
