package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/auth"
)

// Action kinds recorded for failed attempts.
const (
	actionContactForm = "contact_form"
	actionLogin       = "login"
	actionChallenge   = "challenge"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type contactRequest struct {
	Name           string `json:"name" binding:"required,max=200"`
	Email          string `json:"email" binding:"required,email"`
	Message        string `json:"message" binding:"required,max=5000"`
	ChallengeToken string `json:"challenge_token"`
}

// handleContact accepts a contact form submission. Invalid submissions are
// tracked; once the address or email is flagged, a verified challenge token
// is required before a submission is accepted.
func (s *Server) handleContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.trackFailure(c, req.Email, actionContactForm)
		required, _ := s.challengeRequired(c, req.Email)
		respondErrorWith(c, http.StatusBadRequest, "invalid submission", gin.H{"challenge_required": required}, s.logger)
		return
	}

	if !s.passChallenge(c, req.Email, req.ChallengeToken) {
		return
	}

	requestLogger(c, s.logger).Info().Str("email", req.Email).Msg("contact form accepted")
	c.JSON(http.StatusAccepted, gin.H{"status": "received"})
}

type loginRequest struct {
	Username       string `json:"username" binding:"required"`
	Password       string `json:"password" binding:"required"`
	ChallengeToken string `json:"challenge_token"`
}

// handleLogin checks operator credentials. Once an address or username has
// collected enough recent failures the request must also carry a challenge
// token that verifies.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "username and password are required", s.logger)
		return
	}

	if !s.passChallenge(c, req.Username, req.ChallengeToken) {
		return
	}

	if !s.validCredentials(req.Username, req.Password) {
		s.trackFailure(c, req.Username, actionLogin)
		required, _ := s.challengeRequired(c, req.Username)
		respondErrorWith(c, http.StatusUnauthorized, "invalid_credentials", gin.H{"challenge_required": required}, s.logger)
		return
	}

	requestLogger(c, s.logger).Info().Str("username", req.Username).Msg("login succeeded")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// passChallenge enforces the challenge step for the client address and
// secondary identifier. It writes the error response and returns false when
// the request must not proceed. A failed challenge is itself tracked.
func (s *Server) passChallenge(c *gin.Context, secondary, token string) bool {
	required, err := s.challengeRequired(c, secondary)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return false
	}
	if !required {
		return true
	}
	if s.tracker.VerifyChallenge(c.Request.Context(), token, clientIP(c)) {
		return true
	}
	s.trackFailure(c, secondary, actionChallenge)
	respondErrorWith(c, http.StatusUnauthorized, "challenge_required", gin.H{"challenge_required": true}, s.logger)
	return false
}

func (s *Server) challengeRequired(c *gin.Context, secondary string) (bool, error) {
	required, err := s.tracker.IsChallengeRequired(c.Request.Context(), clientIP(c), secondary)
	if err != nil {
		requestLogger(c, s.logger).Error().Err(err).Msg("challenge lookup failed")
	}
	return required, err
}

func (s *Server) validCredentials(username, password string) bool {
	admin := s.cfg.Admin
	if admin.Username == "" || admin.PasswordHash == "" {
		return false
	}
	userOK := auth.SecureCompare(username, admin.Username)
	passOK := s.hasher.Matches(password, admin.PasswordHash)
	return userOK && passOK
}

// trackFailure records a failed attempt for the client address. Storage
// errors are logged; the caller's response does not change.
func (s *Server) trackFailure(c *gin.Context, secondary, action string) {
	err := s.tracker.TrackFailedAttempt(c.Request.Context(), clientIP(c), secondary, c.Request.UserAgent(), action)
	if err != nil {
		requestLogger(c, s.logger).Error().Err(err).Str("action", action).Msg("failed attempt not recorded")
	}
}
