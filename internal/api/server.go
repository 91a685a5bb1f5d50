// Package api provides the REST API server.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/mining"
	"github.com/nerg-network/nerg-mine/internal/referral"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

// Server is the API server
type Server struct {
	cfg        *config.Config
	redis      *storage.RedisClient
	controller *mining.Controller
	sweep      *mining.Sweep
	referrals  *referral.Processor
	router     *gin.Engine
	server     *http.Server

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	Service  string                `json:"service"`
	Currency string                `json:"currency"`
	Stats    *storage.ServiceStats `json:"stats"`
	Now      int64                 `json:"now"`
}

// RegisterRequest is the /api/users request body
type RegisterRequest struct {
	UserID       string `json:"userId"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// RegisterResponse is the /api/users response
type RegisterResponse struct {
	UserID       string `json:"userId"`
	ReferralCode string `json:"referralCode"`
	Token        string `json:"token"`
}

// StartRequest is the /api/mining/start request body
type StartRequest struct {
	RatePerDay    float64 `json:"ratePerDay,omitempty"`
	DurationHours float64 `json:"durationHours,omitempty"`
}

// ProcessResponse is the result of an on-demand accrual pass
type ProcessResponse struct {
	Outcome string                 `json:"outcome"`
	Delta   float64                `json:"delta"`
	Session *storage.MiningSession `json:"session,omitempty"`
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, redis *storage.RedisClient, controller *mining.Controller, sweep *mining.Sweep, referrals *referral.Processor) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		redis:      redis,
		controller: controller,
		sweep:      sweep,
		referrals:  referrals,
		router:     router,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.corsOrigin(c.GetHeader("Origin")))
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.POST("/users", s.handleRegister)
		api.GET("/stats", s.handleStats)
	}

	// Authenticated endpoints
	authed := s.router.Group("/api")
	authed.Use(s.authMiddleware())
	{
		authed.POST("/mining/start", s.handleStart)
		authed.POST("/mining/process", s.handleProcess)
		authed.POST("/mining/finalize", s.handleFinalize)
		authed.GET("/mining/session", s.handleSession)
		authed.GET("/mining/ws", s.handleProgressWS)
		authed.GET("/wallet", s.handleWallet)
		authed.GET("/transactions", s.handleTransactions)
	}

	// Admin API (password protected)
	if s.cfg.API.AdminEnabled && s.cfg.API.AdminPassword != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/sessions/failed", s.handleFailedSessions)
			admin.GET("/sessions/:userId", s.handleAdminSession)
			admin.POST("/sweep", s.handleAdminSweep)
		}
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.redis.Ping(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "error": "redis unreachable"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// corsOrigin returns the allowed origin for the request
func (s *Server) corsOrigin(origin string) string {
	for _, allowed := range s.cfg.API.CORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleRegister creates a wallet for a new user and processes an
// optional referral code
func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	if req.UserID == "" {
		c.JSON(400, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}

	ctx := c.Request.Context()

	wallet := &storage.Wallet{
		UserID:       req.UserID,
		ReferralCode: util.ReferralCode(req.UserID),
		CreatedAt:    time.Now().UTC(),
	}

	created, err := s.redis.CreateWallet(ctx, wallet)
	if err != nil {
		util.Errorf("Failed to create wallet for %s: %v", req.UserID, err)
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to create wallet"})
		return
	}
	if !created {
		c.JSON(409, gin.H{"error": "already_exists", "message": "User already registered"})
		return
	}

	if req.ReferralCode != "" {
		referrerID, err := s.redis.ResolveReferralCode(ctx, req.ReferralCode)
		if err != nil {
			util.Warnf("Failed to resolve referral code %s: %v", req.ReferralCode, err)
		} else if referrerID != "" {
			if err := s.referrals.ProcessReferral(ctx, req.UserID, referrerID); err != nil {
				util.Warnf("Referral bonus for %s failed: %v", referrerID, err)
			}
		}
	}

	token, err := IssueToken(s.cfg.Auth.JWTSecret, req.UserID, s.cfg.Auth.TokenTTL)
	if err != nil {
		util.Errorf("Failed to issue token for %s: %v", req.UserID, err)
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to issue token"})
		return
	}

	c.JSON(201, RegisterResponse{
		UserID:       req.UserID,
		ReferralCode: wallet.ReferralCode,
		Token:        token,
	})
}

// handleStart starts a new mining session for the caller
func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	session, err := s.controller.Start(c.Request.Context(), callerID(c), mining.StartOptions{
		RatePerDay:    req.RatePerDay,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		s.writeMiningError(c, err)
		return
	}

	c.JSON(201, gin.H{"session": session})
}

// handleProcess runs one on-demand accrual pass for the caller
func (s *Server) handleProcess(c *gin.Context) {
	res, err := s.controller.ProcessOnDemand(c.Request.Context(), callerID(c))
	if err != nil {
		s.writeMiningError(c, err)
		return
	}
	if res.Outcome == mining.OutcomeWalletMissing {
		s.writeMiningError(c, mining.ErrWalletMissing)
		return
	}

	c.JSON(200, ProcessResponse{
		Outcome: string(res.Outcome),
		Delta:   res.Delta,
		Session: res.Session,
	})
}

// handleFinalize stops the caller's active session early
func (s *Server) handleFinalize(c *gin.Context) {
	session, err := s.controller.Finalize(c.Request.Context(), callerID(c))
	if err != nil {
		s.writeMiningError(c, err)
		return
	}

	c.JSON(200, gin.H{"session": session})
}

// handleSession returns the caller's session
func (s *Server) handleSession(c *gin.Context) {
	session, err := s.redis.GetSession(c.Request.Context(), callerID(c))
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get session"})
		return
	}

	if session == nil {
		c.JSON(404, gin.H{"error": "not_found", "message": "No session"})
		return
	}

	c.JSON(200, gin.H{"session": session})
}

// handleWallet returns the caller's wallet
func (s *Server) handleWallet(c *gin.Context) {
	wallet, err := s.redis.GetWallet(c.Request.Context(), callerID(c))
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get wallet"})
		return
	}

	if wallet == nil {
		c.JSON(404, gin.H{"error": "not_found", "message": "Wallet not found"})
		return
	}

	c.JSON(200, gin.H{"wallet": wallet})
}

// handleTransactions returns the caller's recent transaction history
func (s *Server) handleTransactions(c *gin.Context) {
	limit := s.cfg.Mining.HistoryLimit
	if l, err := parseLimit(c.DefaultQuery("limit", "")); err == nil && l > 0 && l < limit {
		limit = l
	}

	records, err := s.redis.GetTransactions(c.Request.Context(), callerID(c), limit)
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get transactions"})
		return
	}

	c.JSON(200, gin.H{"transactions": records})
}

// handleStats returns service-wide statistics
func (s *Server) handleStats(c *gin.Context) {
	// Check cache
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	stats, err := s.redis.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get stats"})
		return
	}

	response := &StatsResponse{
		Service:  s.cfg.Service.Name,
		Currency: s.cfg.Service.Currency,
		Stats:    stats,
		Now:      time.Now().Unix(),
	}

	// Update cache
	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleFailedSessions returns all sessions in the failed state
func (s *Server) handleFailedSessions(c *gin.Context) {
	sessions, err := s.redis.FailedSessions(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to scan sessions"})
		return
	}

	c.JSON(200, gin.H{"sessions": sessions, "count": len(sessions)})
}

// handleAdminSession returns any user's session and wallet
func (s *Server) handleAdminSession(c *gin.Context) {
	userID := c.Param("userId")

	session, err := s.redis.GetSession(c.Request.Context(), userID)
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get session"})
		return
	}

	wallet, err := s.redis.GetWallet(c.Request.Context(), userID)
	if err != nil {
		c.JSON(500, gin.H{"error": "internal", "message": "Failed to get wallet"})
		return
	}

	c.JSON(200, gin.H{"session": session, "wallet": wallet})
}

// handleAdminSweep triggers an immediate sweep pass
func (s *Server) handleAdminSweep(c *gin.Context) {
	processed, failed := s.sweep.RunOnce(c.Request.Context())

	util.Infof("Admin: sweep triggered, processed=%d failed=%d", processed, failed)
	c.JSON(200, gin.H{"processed": processed, "failed": failed})
}

// writeMiningError maps engine errors to HTTP responses
func (s *Server) writeMiningError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mining.ErrSessionInProgress):
		c.JSON(409, gin.H{"error": "failed_precondition", "message": "A session is already in progress"})
	case errors.Is(err, mining.ErrNoActiveSession):
		c.JSON(409, gin.H{"error": "failed_precondition", "message": "No active session"})
	case errors.Is(err, mining.ErrOverrideNotAllowed):
		c.JSON(400, gin.H{"error": "invalid_request", "message": "Session parameter overrides are not allowed"})
	case errors.Is(err, mining.ErrWalletMissing):
		c.JSON(409, gin.H{"error": "failed_precondition", "message": "Wallet not found"})
	case errors.Is(err, storage.ErrTxConflict):
		c.JSON(409, gin.H{"error": "conflict", "message": "Concurrent update, retry"})
	default:
		util.Errorf("Mining operation failed for %s: %v", callerID(c), err)
		c.JSON(500, gin.H{"error": "internal", "message": "Operation failed"})
	}
}

// parseLimit parses a limit query parameter
func parseLimit(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty limit")
	}
	return strconv.ParseInt(s, 10, 64)
}
