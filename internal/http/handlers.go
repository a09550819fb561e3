package http

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"voice-consult/internal/catalog"
	"voice-consult/internal/core"
	"voice-consult/pkg"
)

const (
	userHeader         = "X-User-ID"
	subscriptionHeader = "X-Subscription-Status"
	userKey            = "userID"
)

// requireUser reads the caller identity set by the upstream auth proxy.
func requireUser(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(userHeader))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.Set(userKey, id)
	c.Next()
}

func userID(c *gin.Context) string { return c.GetString(userKey) }

func (s *Server) entitlement(c *gin.Context) catalog.Entitlement {
	return catalog.Entitlement{
		Premium: s.Opts.FakeSubscription || strings.EqualFold(c.GetHeader(subscriptionHeader), "active"),
	}
}

// loadSession fetches the session for the caller and writes the error
// response itself when it cannot.  Sessions of other users are reported as
// missing.
func (s *Server) loadSession(c *gin.Context) (*pkg.Session, bool) {
	sess, err := s.Store.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, core.ErrNotFound) || (err == nil && sess.CreatedBy != userID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	if err != nil {
		log.Println("failed to load session:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session", "details": err.Error()})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListDoctors(c *gin.Context) {
	c.JSON(http.StatusOK, catalog.Listings(s.entitlement(c)))
}

func (s *Server) handleSuggestDoctors(c *gin.Context) {
	var req pkg.SuggestDoctorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doctors, err := s.Matcher.Suggest(c.Request.Context(), req.Notes, s.entitlement(c))
	if errors.Is(err, core.ErrEmptyNotes) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Notes are required"})
		return
	}
	if err != nil {
		log.Println("failed to suggest doctors:", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process your request due to an external API error.",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, doctors)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req pkg.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doctor, ok := catalog.Lookup(req.DoctorID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Doctor not found"})
		return
	}
	if !s.entitlement(c).Selectable(doctor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "This doctor requires a premium subscription"})
		return
	}
	sess := &pkg.Session{
		CreatedBy:      userID(c),
		Notes:          strings.TrimSpace(req.Notes),
		SelectedDoctor: doctor,
	}
	if err := s.Store.CreateSession(c.Request.Context(), sess); err != nil {
		log.Println("failed to create session:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.SessionID, "success": true})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req pkg.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConsultationDuration != nil && *req.ConsultationDuration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consultationDuration must not be negative"})
		return
	}
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	if overwrites(sess.CallStartedAt, req.CallStartedAt) {
		c.JSON(http.StatusConflict, gin.H{"error": "callStartedAt is already set"})
		return
	}
	if overwrites(sess.CallEndedAt, req.CallEndedAt) {
		c.JSON(http.StatusConflict, gin.H{"error": "callEndedAt is already set"})
		return
	}
	start, end := req.CallStartedAt, req.CallEndedAt
	if start == nil {
		start = sess.CallStartedAt
	}
	if end == nil {
		end = sess.CallEndedAt
	}
	if start != nil && end != nil && end.Before(*start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callEndedAt must not precede callStartedAt"})
		return
	}
	u := pkg.SessionUpdate{
		CallStartedAt:               req.CallStartedAt,
		CallEndedAt:                 req.CallEndedAt,
		ConsultationDurationSeconds: req.ConsultationDuration,
	}
	if u.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}
	if err := s.Store.UpdateSession(c.Request.Context(), sess.SessionID, u); err != nil {
		log.Println("failed to update session:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update session", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// overwrites reports whether next would replace an already recorded call
// time.  Resending the stored value is allowed.
func overwrites(stored, next *time.Time) bool {
	return stored != nil && next != nil && !stored.Equal(*next)
}

func (s *Server) handleListConsultations(c *gin.Context) {
	sessions, err := s.Store.ListSessions(c.Request.Context(), userID(c), s.Opts.SessionListLimit)
	if err != nil {
		log.Println("failed to list consultations:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch consultations", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// handleGenerateReport (re)generates the report from the stored transcript.
func (s *Server) handleGenerateReport(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	if len(sess.Transcript) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Messages are required"})
		return
	}
	ctx := c.Request.Context()
	report, err := s.Reports.Generate(ctx, sess.Transcript, sess.SelectedDoctor, sess.SessionID)
	if err != nil {
		log.Println("failed to generate report:", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process your request due to an external API error.",
			"details": err.Error(),
		})
		return
	}
	if err := s.Store.UpdateSession(ctx, sess.SessionID, pkg.SessionUpdate{Report: report}); err != nil {
		log.Println("failed to save report:", err)
	} else if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, sess.SessionID); err != nil {
			log.Println("failed to notify report:", err)
		}
	}
	c.JSON(http.StatusOK, report)
}
