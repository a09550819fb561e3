package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"voice-consult/internal/archive"
	"voice-consult/internal/catalog"
	"voice-consult/internal/core"
	"voice-consult/internal/events"
	"voice-consult/internal/voice"
	"voice-consult/pkg"
)

// DoctorMatcher suggests catalog doctors for free-text notes.
type DoctorMatcher interface {
	Suggest(ctx context.Context, notes string, e catalog.Entitlement) ([]pkg.DoctorProfile, error)
}

// ReportNotifier signals and observes stored reports.
type ReportNotifier interface {
	Notify(ctx context.Context, sessionID string) error
	Listen(ctx context.Context) (<-chan string, error)
}

// Archiver keeps a copy of finished consultations.
type Archiver interface {
	Archive(ctx context.Context, rec archive.Record) error
}

// Options configure the HTTP layer.
type Options struct {
	// FakeSubscription grants every caller premium doctors.
	FakeSubscription bool
	SessionListLimit int
	AllowedOrigins   []string

	// Transport is "bridge" or "rest".
	Transport     string
	VoiceAPIURL   string
	VoiceAPIKey   string
	WebhookSecret string
}

// Server bundles together the dependencies required by HTTP handlers.
// Notifier, Publisher and Archiver are optional.
type Server struct {
	Store     core.SessionStore
	Matcher   DoctorMatcher
	Reports   core.ReportGenerator
	Hub       *core.Hub
	Notifier  ReportNotifier
	Publisher events.Publisher
	Archiver  Archiver
	Settings  voice.Settings
	Opts      Options

	// NewTicker overrides the controllers' duration ticker in tests.
	NewTicker func(time.Duration) core.Ticker

	upgrader websocket.Upgrader
}

// NewServer constructs a Server.
func NewServer(store core.SessionStore, matcher DoctorMatcher, reports core.ReportGenerator, hub *core.Hub, settings voice.Settings, opts Options) *Server {
	if opts.SessionListLimit <= 0 {
		opts.SessionListLimit = 20
	}
	s := &Server{
		Store:    store,
		Matcher:  matcher,
		Reports:  reports,
		Hub:      hub,
		Settings: settings,
		Opts:     opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(s.corsConfig()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/api/voice/webhook", s.handleWebhook)

	api := r.Group("/api", requireUser)
	api.GET("/doctors", s.handleListDoctors)
	api.POST("/suggest-doctors", s.handleSuggestDoctors)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.PUT("/sessions/:id", s.handleUpdateSession)
	api.GET("/consultations", s.handleListConsultations)
	api.POST("/sessions/:id/report", s.handleGenerateReport)
	api.GET("/sessions/:id/report/stream", s.handleReportStream)
	api.POST("/sessions/:id/call/start", s.handleStartCall)
	api.POST("/sessions/:id/call/end", s.handleEndCall)
	api.GET("/sessions/:id/call", s.handleCallSnapshot)
	api.GET("/sessions/:id/voice", s.handleVoiceBridge)
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", userHeader, subscriptionHeader)
	if len(s.Opts.AllowedOrigins) == 0 || lo.Contains(s.Opts.AllowedOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.Opts.AllowedOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.Opts.AllowedOrigins) == 0 || lo.Contains(s.Opts.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(s.Opts.AllowedOrigins, origin)
}

// newController builds a controller for session wired to the post-call side
// effects.  onChange may be nil.  A controller with release set leaves the
// hub once its call is over, connected or not.
func (s *Server) newController(session pkg.Session, tr voice.Transport, onChange func(core.Snapshot), release bool) *core.Controller {
	var ctrl *core.Controller
	done := func() {
		if release {
			s.Hub.Release(ctrl)
		}
	}
	ctrl = core.NewController(session, core.Options{
		Store:     s.Store,
		Reports:   s.Reports,
		Transport: tr,
		Settings:  s.Settings,
		NewTicker: s.NewTicker,
		Hooks: core.Hooks{
			OnChange: onChange,
			OnCallEnded: func(ctx context.Context, out core.Outcome) {
				s.afterCall(ctx, session, out)
				done()
			},
			OnCallAborted: done,
		},
	})
	return ctrl
}

// afterCall runs the best-effort side effects of a finished call.
func (s *Server) afterCall(ctx context.Context, session pkg.Session, out core.Outcome) {
	session.CallStartedAt = out.StartedAt
	session.CallEndedAt = &out.EndedAt
	session.ConsultationDurationSeconds = out.DurationSeconds
	session.Transcript = out.Transcript
	session.Report = out.Report

	if out.Report != nil && s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, session.SessionID); err != nil {
			log.Println("failed to notify report:", err)
		}
	}
	if s.Archiver != nil {
		rec := archive.Record{Session: session, Transcript: out.Transcript, Report: out.Report}
		if err := s.Archiver.Archive(ctx, rec); err != nil {
			log.Println("failed to archive consultation:", err)
		}
	}
	if s.Publisher != nil {
		ev := events.ConsultationCompleted{
			SessionID:       session.SessionID,
			CreatedBy:       session.CreatedBy,
			DoctorID:        session.SelectedDoctor.ID,
			Specialist:      session.SelectedDoctor.Specialist,
			CallStartedAt:   out.StartedAt,
			CallEndedAt:     out.EndedAt,
			DurationSeconds: out.DurationSeconds,
			Messages:        len(out.Transcript),
			HasReport:       out.Report != nil,
		}
		if out.Report != nil {
			ev.Severity = string(out.Report.Severity)
		}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			log.Println("failed to publish consultation event:", err)
		}
	}
}
