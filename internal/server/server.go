// Package server wires the wardex HTTP API: policy administration,
// transaction evaluation, the audit trail, and session-key delegation,
// behind API-key authentication and rate limiting. Grounded on the
// teacher's server.go struct-of-services composition (one type holding
// every collaborator a request needs) and functional-options
// constructor idiom.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/wardex/internal/auth"
	"github.com/mbd888/wardex/internal/config"
	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/health"
	"github.com/mbd888/wardex/internal/logging"
	"github.com/mbd888/wardex/internal/metrics"
	"github.com/mbd888/wardex/internal/pipeline"
	"github.com/mbd888/wardex/internal/providers"
	"github.com/mbd888/wardex/internal/ratelimit"
	"github.com/mbd888/wardex/internal/realtime"
	"github.com/mbd888/wardex/internal/redact"
	"github.com/mbd888/wardex/internal/security"
	"github.com/mbd888/wardex/internal/sessionkeys"
	"github.com/mbd888/wardex/internal/shield"
	"github.com/mbd888/wardex/internal/signer"
	"github.com/mbd888/wardex/internal/stages"
	"github.com/mbd888/wardex/internal/validation"
)

// Server is the Wardex evaluation API: the shield orchestrator, the
// session-key manager, the output filter, the isolated-signer client,
// and the HTTP plumbing around them.
type Server struct {
	cfg *config.Config

	shield      *shield.Shield
	sessionMgr  *sessionkeys.Manager
	filter      *redact.Filter
	signerClnt  *signer.Client
	hub         *realtime.Hub
	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	db *sql.DB

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option customizes a Server before it starts serving.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSignerClient overrides the isolated-signer client, mainly for tests.
func WithSignerClient(c *signer.Client) Option {
	return func(s *Server) { s.signerClnt = c }
}

// New builds a Server from configuration: it opens Postgres-backed
// stores when cfg.DatabaseURL is set, falling back to in-memory stores
// otherwise, and assembles the nine-stage evaluation pipeline behind the
// shield orchestrator.
func New(cfg *config.Config, policy *evalctx.SecurityPolicy, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var auditStore shield.AuditStore
	var skStore sessionkeys.Store
	var delegationLog sessionkeys.DelegationAuditLogger
	var apiKeyStore auth.Store = auth.NewMemoryStore()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("server: open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("server: ping database: %w", err)
		}
		s.db = db
		auditStore = shield.NewPostgresAuditStore(db)
		skStore = sessionkeys.NewPostgresStore(db)
		delegationLog = sessionkeys.NewPostgresAuditLogger(db)
		apiKeyStore = auth.NewPostgresStore(db)
	} else {
		skStore = sessionkeys.NewMemoryStore()
		delegationLog = sessionkeys.NewMemoryAuditLogger()
	}

	var reputationProvider evalctx.AddressReputationProvider
	if cfg.ReputationProviderURL != "" {
		rp, err := providers.NewHTTPReputationProvider(cfg.ReputationProviderURL, cfg.ReputationProviderAPIKey)
		if err != nil {
			return nil, fmt.Errorf("server: reputation provider: %w", err)
		}
		reputationProvider = rp
	}
	var contractProvider evalctx.ContractAnalysisProvider
	if cfg.ContractAnalysisProviderURL != "" {
		cp, err := providers.NewHTTPContractAnalysisProvider(cfg.ContractAnalysisProviderURL, cfg.ContractAnalysisProviderAPIKey)
		if err != nil {
			return nil, fmt.Errorf("server: contract analysis provider: %w", err)
		}
		contractProvider = cp
	}

	behavioral := stages.NewBehavioralComparator(policy.Behavioral)
	p := pipeline.New(
		stages.NewDecoder(),
		stages.NewValueAssessor(stages.DefaultValueAssessorConfig()),
		stages.NewContextAnalyzer(),
		stages.NewAddressChecker(reputationProvider),
		stages.NewContractChecker(contractProvider),
		behavioral,
		stages.NewCustomMiddleware(),
		stages.NewRiskAggregator(),
		stages.NewPolicyEngine(),
	)

	s.shield = shield.New(policy, p, behavioral, auditStore, shield.DefaultConfig())
	s.sessionMgr = sessionkeys.NewManager(skStore, delegationLog)
	s.filter = redact.New()
	s.signerClnt = signer.NewClient(cfg.SignerSocketPath)
	s.hub = realtime.NewHub(s.logger)
	s.authMgr = auth.NewManager(apiKeyStore)
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.health.Register("signer", func(ctx context.Context) health.Status {
		if err := s.signerClnt.HealthCheck(ctx); err != nil {
			return health.Status{Name: "signer", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "signer", Healthy: true}
	})

	s.shield.OnFreeze(s.hub.BroadcastFreeze)
	s.shield.OnThreat(s.hub.BroadcastEvaluation)

	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.router,
	}

	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(security.HeadersMiddleware())
	r.Use(metrics.Middleware())
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(s.rateLimiter.Middleware())
	r.Use(auth.Middleware(s.authMgr))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authMgr)
	r.GET("/v1/auth/info", authHandler.Info)

	v1 := r.Group("/v1", auth.RequireAuth(s.authMgr))
	v1.POST("/evaluate", s.handleEvaluate)
	v1.GET("/status", s.handleStatus)
	v1.GET("/audit", s.handleAuditList)
	v1.GET("/audit/stream", s.handleAuditStream)
	v1.PUT("/policy", s.handlePolicyUpdate)
	v1.POST("/policy/freeze", s.handleFreeze)
	v1.POST("/policy/unfreeze", s.handleUnfreeze)

	v1.GET("/auth/keys", authHandler.ListKeys)
	v1.POST("/auth/keys", authHandler.CreateKey)
	v1.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	v1.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
	v1.GET("/auth/me", authHandler.GetCurrentAgent)

	v1.POST("/session-keys", s.handleSessionKeyCreate)
	v1.GET("/session-keys/:id", s.handleSessionKeyGet)
	v1.POST("/session-keys/:id/revoke", s.handleSessionKeyRevoke)

	return r
}

// handleHealthz is a liveness probe: it reports whether the process has
// finished starting, not whether its dependencies are reachable.
func (s *Server) handleHealthz(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

// handleReadyz is a readiness probe: it additionally checks whether every
// registered dependency (database, isolated signer) is reachable.
func (s *Server) handleReadyz(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}

	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.shield.Status()
	c.JSON(http.StatusOK, gin.H{
		"frozen":                snap.Frozen,
		"freezeReason":          snap.FreezeReason,
		"evaluations":           snap.Evaluations,
		"blocks":                snap.Blocks,
		"advisories":            snap.Advisories,
		"dailyVolumeWei":        snap.DailyVolumeWei.String(),
		"signerHealthy":         snap.SignerHealthy,
		"intelligenceFreshness": snap.IntelligenceFreshness,
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req struct {
		Transaction evalctx.TransactionRequest    `json:"transaction"`
		Conversation *evalctx.ConversationContext `json:"conversation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !validation.IsValidEthAddress(req.Transaction.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target address"})
		return
	}

	verdict, err := s.shield.Evaluate(c.Request.Context(), req.Transaction, req.Conversation)
	if err != nil {
		s.logger.Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}

	for i, reason := range verdict.Reasons {
		verdict.Reasons[i].Message = s.filter.Apply(reason.Message)
	}

	c.JSON(http.StatusOK, verdict)
}

func (s *Server) handleAuditList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	entries := s.shield.GetAuditLog(limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAuditStream(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) handlePolicyUpdate(c *gin.Context) {
	var policy evalctx.SecurityPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy body"})
		return
	}
	if err := s.shield.UpdatePolicy(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "policy updated"})
}

func (s *Server) handleFreeze(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual freeze via API"
	}
	s.shield.Freeze(req.Reason)
	c.JSON(http.StatusOK, gin.H{"message": "frozen", "reason": req.Reason})
}

func (s *Server) handleUnfreeze(c *gin.Context) {
	s.shield.Unfreeze()
	c.JSON(http.StatusOK, gin.H{"message": "unfrozen"})
}

func (s *Server) handleSessionKeyCreate(c *gin.Context) {
	var req struct {
		OwnerAddr               string   `json:"ownerAddr"`
		PublicKey               string   `json:"publicKey"`
		AllowedContracts        []string `json:"allowedContracts"`
		MaxValuePerTxWei        string   `json:"maxValuePerTxWei"`
		MaxDailyVolumeWei       string   `json:"maxDailyVolumeWei"`
		DurationSeconds         int64    `json:"durationSeconds"`
		ForbidInfiniteApprovals bool     `json:"forbidInfiniteApprovals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	maxPerTx, ok := new(big.Int).SetString(req.MaxValuePerTxWei, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxValuePerTxWei"})
		return
	}
	maxDaily, ok := new(big.Int).SetString(req.MaxDailyVolumeWei, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxDailyVolumeWei"})
		return
	}

	sk, err := s.sessionMgr.Create(c.Request.Context(), sessionkeys.CreateParams{
		OwnerAddr:               req.OwnerAddr,
		PublicKey:               req.PublicKey,
		AllowedContracts:        req.AllowedContracts,
		MaxValuePerTx:           maxPerTx,
		MaxDailyVolume:          maxDaily,
		Duration:                time.Duration(req.DurationSeconds) * time.Second,
		ForbidInfiniteApprovals: req.ForbidInfiniteApprovals,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sk)
}

func (s *Server) handleSessionKeyGet(c *gin.Context) {
	sk, err := s.sessionMgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session key not found"})
		return
	}
	c.JSON(http.StatusOK, sk)
}

func (s *Server) handleSessionKeyRevoke(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "revoked via API"
	}
	if err := s.sessionMgr.Revoke(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "revoked"})
}

// Run starts the HTTP server and the audit-stream hub, and blocks until
// ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.healthy.Store(true)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("wardex server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-runCtx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		s.healthy.Store(false)
		return err
	}
}

// Shutdown gracefully drains in-flight requests and closes collaborators.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
