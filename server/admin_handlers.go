package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/abuse"
	"github.com/haasonsaas/bouncer/pkg/auth"
)

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if s.cfg.Admin.Token == "" || !auth.SecureCompare(token, s.cfg.Admin.Token) {
		s.trackFailure(c, "", "admin_token")
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

type blacklistRequest struct {
	Identifier       string `json:"identifier" binding:"required"`
	Reason           string `json:"reason"`
	ExpiresInSeconds int64  `json:"expires_in_seconds" binding:"gte=0"`
	Permanent        bool   `json:"permanent"`
}

type blacklistView struct {
	Identifier string     `json:"identifier"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Permanent  bool       `json:"permanent"`
	Active     bool       `json:"active"`
}

func (s *Server) viewEntry(e abuse.BlacklistEntry) blacklistView {
	return blacklistView{
		Identifier: e.Identifier,
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
		Permanent:  e.Permanent(),
		Active:     e.ActiveAt(s.now()),
	}
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Permanent && req.ExpiresInSeconds > 0 {
		respondError(c, http.StatusBadRequest, "permanent entries cannot have an expiry", s.logger)
		return
	}

	expiry := abuse.DefaultExpiry
	switch {
	case req.Permanent:
		expiry = abuse.Permanent()
	case req.ExpiresInSeconds > 0:
		expiry = abuse.For(time.Duration(req.ExpiresInSeconds) * time.Second)
	}

	ctx := c.Request.Context()
	if err := s.tracker.Blacklist(ctx, req.Identifier, req.Reason, expiry); err != nil {
		requestLogger(c, s.logger).Error().Err(err).Msg("blacklist write failed")
		respondError(c, http.StatusInternalServerError, "failed to blacklist identifier", s.logger)
		return
	}
	entry, err := s.tracker.Lookup(ctx, req.Identifier)
	if err != nil || entry == nil {
		respondError(c, http.StatusInternalServerError, "failed to load blacklist entry", s.logger)
		return
	}
	c.JSON(http.StatusCreated, s.viewEntry(*entry))
}

func (s *Server) handleListBlacklist(c *gin.Context) {
	entries, err := s.tracker.ListBlacklist(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list blacklist", s.logger)
		return
	}
	views := make([]blacklistView, 0, len(entries))
	for _, e := range entries {
		views = append(views, s.viewEntry(e))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleStanding(c *gin.Context) {
	identifier := c.Param("identifier")
	secondary := c.Query("secondary")

	standing, err := s.tracker.Standing(c.Request.Context(), identifier, secondary)
	if err != nil {
		if errors.Is(err, abuse.ErrEmptyIdentifier) {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to compute standing", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier": identifier,
		"standing":   standing,
	})
}

func (s *Server) handleCleanup(c *gin.Context) {
	report, err := s.tracker.CleanupOldRecords(c.Request.Context())
	if err != nil {
		requestLogger(c, s.logger).Error().Err(err).Msg("cleanup failed")
		respondError(c, http.StatusInternalServerError, "cleanup failed", s.logger)
		return
	}
	swept := s.local.Sweep(s.now())
	c.JSON(http.StatusOK, gin.H{
		"blacklist":        report.Blacklist,
		"failed_attempts":  report.FailedAttempts,
		"challenge_tokens": report.ChallengeTokens,
		"local_counters":   swept,
		"live_counters":    s.local.Stats().Keys,
	})
}

func (s *Server) handleFlushLimiter(c *gin.Context) {
	name := c.Param("name")
	limiter, err := s.limiter(name)
	if err != nil {
		respondError(c, http.StatusNotFound, err.Error(), s.logger)
		return
	}
	if err := limiter.Cleanup(c.Request.Context()); err != nil {
		requestLogger(c, s.logger).Error().Err(err).Str("limiter", name).Msg("limiter flush failed")
		respondError(c, http.StatusInternalServerError, "failed to flush limiter", s.logger)
		return
	}
	requestLogger(c, s.logger).Info().Str("limiter", name).Msg("limiter counters flushed")
	c.JSON(http.StatusOK, gin.H{"status": "flushed", "limiter": name})
}
