package http

import (
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-consult/internal/core"
	"voice-consult/internal/voice"
)

const (
	webhookHeader  = "X-Webhook-Secret"
	maxWebhookBody = 1 << 20
)

// handleStartCall starts the call for the session's live controller.  With
// the REST transport the controller is created here and released when the
// call is over; with the bridge it is created when the page opens the voice
// socket.
func (s *Server) handleStartCall(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctrl, found := s.Hub.Get(sess.SessionID)
	if !found {
		if s.Opts.Transport != "rest" {
			c.JSON(http.StatusConflict, gin.H{"error": "Voice connection is not open for this session"})
			return
		}
		ctrl = s.newController(*sess, s.restTransport(sess.SessionID), nil, true)
		s.Hub.Attach(ctrl)
	}

	err := ctrl.StartCall(c.Request.Context())
	snap, _ := ctrl.Snapshot(c.Request.Context())
	if err != nil && !found {
		// next attempt builds a fresh transport
		s.Hub.Detach(ctrl)
	}
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, snap)
	case errors.Is(err, core.ErrNotIdle):
		c.JSON(http.StatusConflict, gin.H{"error": "A call is already in progress", "call": snap})
	case errors.Is(err, core.ErrAgentNotLoaded), errors.Is(err, core.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": snap.Error, "details": err.Error()})
	default:
		log.Println("failed to start call:", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": snap.Error, "details": err.Error()})
	}
}

// restTransport returns nil when the provider is not configured, which the
// controller reports as an unavailable transport.
func (s *Server) restTransport(sessionID string) voice.Transport {
	tr, err := voice.NewRESTTransport(s.Opts.VoiceAPIURL, s.Opts.VoiceAPIKey, sessionID)
	if err != nil {
		log.Println("voice transport unavailable:", err)
		return nil
	}
	return tr
}

func (s *Server) handleEndCall(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctrl, found := s.Hub.Get(sess.SessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active call"})
		return
	}
	out, err := ctrl.EndCall(c.Request.Context())
	if errors.Is(err, core.ErrNotConnected) {
		c.JSON(http.StatusConflict, gin.H{"error": "Call is not connected"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end call", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"redirect":             out.Redirect,
		"consultationDuration": out.DurationSeconds,
		"conversation":         out.Transcript,
		"report":               out.Report,
	})
}

func (s *Server) handleCallSnapshot(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctrl, found := s.Hub.Get(sess.SessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active call"})
		return
	}
	snap, err := ctrl.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active call"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleVoiceBridge upgrades to a websocket for the page's voice SDK relay.
// The controller lives as long as the socket.
func (s *Server) handleVoiceBridge(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Println("failed to upgrade voice socket:", err)
		return
	}
	bridge := voice.NewBridgeTransport(conn)
	ctrl := s.newController(*sess, bridge, func(snap core.Snapshot) {
		if err := bridge.SendSnapshot(snap); err != nil {
			log.Println("failed to push call state:", err)
		}
	}, false)
	s.Hub.Attach(ctrl)
	<-bridge.Done()
	s.Hub.Detach(ctrl)
}

// handleWebhook ingests provider events for REST-transport calls.
func (s *Server) handleWebhook(c *gin.Context) {
	secret := s.Opts.WebhookSecret
	got := c.GetHeader(webhookHeader)
	if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	wh, err := voice.DecodeWebhook(body)
	if errors.Is(err, voice.ErrIgnored) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctrl, found := s.Hub.Get(wh.SessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active call for session"})
		return
	}
	rest, ok := ctrl.Transport().(*voice.RESTTransport)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "Session is not using the REST transport"})
		return
	}
	if id := rest.CallID(); id != "" && wh.CallID != "" && id != wh.CallID {
		c.JSON(http.StatusConflict, gin.H{"error": "Stale call"})
		return
	}
	if err := rest.Deliver(wh.Event); err != nil {
		log.Println("failed to deliver voice event:", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
