package http

import (
	"log"

	"github.com/gin-gonic/gin"

	"voice-consult/pkg"
)

// handleReportStream streams the session report using SSE.  A stored report
// is sent straight away; otherwise a "pending" event is sent and the stream
// waits on the notify channel until the report lands or the client leaves.
func (s *Server) handleReportStream(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if sess.Report != nil {
		s.sendReport(c, sess.Report)
		return
	}
	pending := gin.H{"sessionId": sess.SessionID}
	if s.Notifier == nil {
		c.SSEvent("pending", pending)
		c.Writer.Flush()
		return
	}

	ctx := c.Request.Context()
	updates, err := s.Notifier.Listen(ctx)
	if err != nil {
		log.Println("failed to listen for reports:", err)
		c.SSEvent("error", gin.H{"error": "Report updates unavailable"})
		c.Writer.Flush()
		return
	}
	// the report may have landed before LISTEN took effect
	if report := s.reloadReport(c, sess.SessionID); report != nil {
		s.sendReport(c, report)
		return
	}
	c.SSEvent("pending", pending)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-updates:
			if !ok {
				return
			}
			if id != sess.SessionID {
				continue
			}
			if report := s.reloadReport(c, id); report != nil {
				s.sendReport(c, report)
				return
			}
		}
	}
}

func (s *Server) reloadReport(c *gin.Context, id string) *pkg.Report {
	sess, err := s.Store.GetSession(c.Request.Context(), id)
	if err != nil {
		log.Println("failed to reload session:", err)
		return nil
	}
	return sess.Report
}

func (s *Server) sendReport(c *gin.Context, report *pkg.Report) {
	c.SSEvent("report", report)
	c.Writer.Flush()
}
