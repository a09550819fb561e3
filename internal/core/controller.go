package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"voice-consult/internal/voice"
	"voice-consult/pkg"
)

var (
	ErrNotFound             = errors.New("session not found")
	ErrNotIdle              = errors.New("a call is already in progress")
	ErrNotConnected         = errors.New("call is not connected")
	ErrAgentNotLoaded       = errors.New("doctor agent is not loaded")
	ErrTransportUnavailable = errors.New("voice transport unavailable")
	ErrClosed               = errors.New("controller closed")
)

// DashboardPath is where the client goes once a call has been wrapped up.
const DashboardPath = "/dashboard"

// SessionStore persists consultation sessions.  GetSession returns
// ErrNotFound for unknown ids.
type SessionStore interface {
	CreateSession(ctx context.Context, s *pkg.Session) error
	GetSession(ctx context.Context, id string) (*pkg.Session, error)
	UpdateSession(ctx context.Context, id string, u pkg.SessionUpdate) error
	ListSessions(ctx context.Context, createdBy string, limit int) ([]pkg.Session, error)
}

// State is the call state of a controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Ticker drives the one-second duration counter.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

// Outcome describes a finished call.
type Outcome struct {
	SessionID       string
	StartedAt       *time.Time
	EndedAt         time.Time
	DurationSeconds int
	Transcript      []pkg.TranscriptMessage
	Report          *pkg.Report
	Redirect        string
}

// Snapshot is the client-visible controller state.
type Snapshot struct {
	SessionID  string                  `json:"sessionId"`
	State      string                  `json:"state"`
	Error      string                  `json:"error,omitempty"`
	Seconds    int                     `json:"seconds"`
	Transcript []pkg.TranscriptMessage `json:"transcript"`
	Redirect   string                  `json:"redirect,omitempty"`
}

// Hooks are called from the controller goroutine and must not call back
// into the controller.  OnCallAborted fires when a started call goes back
// to idle without ever connecting.
type Hooks struct {
	OnChange      func(Snapshot)
	OnCallEnded   func(ctx context.Context, out Outcome)
	OnCallAborted func()
}

// Options configure a Controller.  Store is required.  A nil Transport
// makes every StartCall fail with ErrTransportUnavailable.
type Options struct {
	Store     SessionStore
	Reports   ReportGenerator
	Transport voice.Transport
	Settings  voice.Settings
	Hooks     Hooks

	Now       func() time.Time
	NewTicker func(time.Duration) Ticker
	// After arms the connect timeout; time.After when nil.
	After func(time.Duration) <-chan time.Time
	// StoreTimeout bounds each persistence call, ReportTimeout the report
	// generation.  ConnectTimeout is how long a started call may wait for
	// call-start.
	StoreTimeout   time.Duration
	ReportTimeout  time.Duration
	ConnectTimeout time.Duration
}

// Controller runs one consultation call.  A single goroutine owns all call
// state; transport events, ticks and commands are handled one at a time in
// arrival order.
type Controller struct {
	session   pkg.Session
	store     SessionStore
	reports   ReportGenerator
	transport voice.Transport
	settings  voice.Settings
	hooks     Hooks
	now       func() time.Time
	newTicker func(time.Duration) Ticker
	after     func(time.Duration) <-chan time.Time
	storeTO   time.Duration
	reportTO  time.Duration
	connectTO time.Duration

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	// background store writes
	pending sync.WaitGroup

	// owned by the loop
	state      State
	errMsg     string
	seconds    int
	startedAt  *time.Time
	redirect   string
	transcript *Transcript
	ticker     Ticker
	connectBy  <-chan time.Time
}

// NewController starts a controller for session, which must already carry
// its selected doctor.
func NewController(session pkg.Session, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	if opts.StoreTimeout == 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.ReportTimeout == 0 {
		opts.ReportTimeout = 90 * time.Second
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Minute
	}
	if opts.Settings.FirstMessage == "" {
		opts.Settings.FirstMessage = FirstMessage
	}
	c := &Controller{
		session:    session,
		store:      opts.Store,
		reports:    opts.Reports,
		transport:  opts.Transport,
		settings:   opts.Settings,
		hooks:      opts.Hooks,
		now:        opts.Now,
		newTicker:  opts.NewTicker,
		after:      opts.After,
		storeTO:    opts.StoreTimeout,
		reportTO:   opts.ReportTimeout,
		connectTO:  opts.ConnectTimeout,
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		transcript: NewTranscript(opts.Now),
	}
	go c.run()
	return c
}

func (c *Controller) SessionID() string { return c.session.SessionID }

// Transport returns the transport injected at construction, possibly nil.
func (c *Controller) Transport() voice.Transport { return c.transport }

// StartCall opens the call.  Configuration problems fail fast and leave the
// controller idle with a user-visible error.
func (c *Controller) StartCall(ctx context.Context) error {
	var err error
	if e := c.do(ctx, func() { err = c.startCall() }); e != nil {
		return e
	}
	return err
}

// EndCall hangs up, persists the call and generates the report.  It returns
// ErrNotConnected unless a call is connected, so a repeated EndCall is a
// no-op.
func (c *Controller) EndCall(ctx context.Context) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if e := c.do(ctx, func() { out, err = c.endCall() }); e != nil {
		return Outcome{}, e
	}
	return out, err
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if err := c.do(ctx, func() { s = c.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Close stops the loop and releases the transport.  A connected call is
// hung up without being persisted.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
		c.pending.Wait()
		if c.transport != nil {
			err = c.transport.Close()
		}
	})
	return err
}

func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (c *Controller) run() {
	defer close(c.done)
	var events <-chan voice.Event
	if c.transport != nil {
		events = c.transport.Events()
	}
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}
		select {
		case <-c.quit:
			c.shutdown()
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handle(ev)
		case <-tick:
			if c.state == StateConnected {
				c.seconds++
				c.changed()
			}
		case <-c.connectBy:
			c.onConnectTimeout()
		}
	}
}

func (c *Controller) handle(ev voice.Event) {
	switch e := ev.(type) {
	case voice.CallStart:
		c.onCallStart()
	case voice.CallEnd:
		c.onCallEnd()
	case voice.Transcript:
		// late deliveries after the call is wrapped up would never be saved
		if c.state != StateConnecting && c.state != StateConnected {
			return
		}
		c.transcript.Apply(e.Role, e.Text, e.Final)
		c.changed()
	case voice.Error:
		c.onError(e)
	}
}

func (c *Controller) startCall() error {
	if c.state != StateIdle {
		return ErrNotIdle
	}
	d := c.session.SelectedDoctor
	if d.VoiceID == "" || d.AgentPrompt == "" {
		c.setError(MsgAgentNotLoaded)
		return ErrAgentNotLoaded
	}
	if c.transport == nil {
		c.setError(MsgTransportUnavailable)
		return ErrTransportUnavailable
	}

	c.transcript.Reset()
	c.errMsg = ""
	c.redirect = ""
	c.seconds = 0
	c.state = StateConnecting
	c.changed()

	ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
	defer cancel()
	if err := c.transport.Start(ctx, c.settings.AgentConfig(d)); err != nil {
		c.state = StateIdle
		if voice.IsPermissionError(err.Error()) {
			c.errMsg = MsgMicrophoneDenied
		} else {
			c.errMsg = MsgStartFailed
		}
		c.changed()
		return fmt.Errorf("start call: %w", err)
	}
	c.connectBy = c.after(c.connectTO)
	return nil
}

func (c *Controller) onCallStart() {
	if c.state != StateConnecting {
		log.Printf("session %s: ignoring call-start in state %s", c.session.SessionID, c.state)
		return
	}
	c.state = StateConnected
	c.connectBy = nil
	c.errMsg = ""
	c.seconds = 0
	c.stopTicker()
	c.ticker = c.newTicker(time.Second)

	started := c.now()
	c.startedAt = &started
	c.session.CallStartedAt = &started

	// the loop keeps counting while the write is in flight
	id := c.session.SessionID
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
		defer cancel()
		if err := c.store.UpdateSession(ctx, id, pkg.SessionUpdate{CallStartedAt: &started}); err != nil {
			log.Println("failed to save call start time:", err)
		}
	}()
	c.changed()
}

func (c *Controller) onCallEnd() {
	switch c.state {
	case StateConnected:
		c.finish()
	case StateConnecting:
		c.abort("")
	}
}

// onConnectTimeout gives up on a call the provider never connected.
func (c *Controller) onConnectTimeout() {
	c.connectBy = nil
	if c.state != StateConnecting {
		return
	}
	log.Printf("session %s: call did not connect within %s", c.session.SessionID, c.connectTO)
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
	if err := c.transport.Stop(ctx); err != nil {
		log.Println("failed to stop call:", err)
	}
	cancel()
	c.abort(MsgStartFailed)
}

// abort returns a connecting call to idle with msg as the user error.
func (c *Controller) abort(msg string) {
	c.connectBy = nil
	c.state = StateIdle
	c.errMsg = msg
	c.changed()
	if c.hooks.OnCallAborted != nil {
		c.hooks.OnCallAborted()
	}
}

func (c *Controller) onError(e voice.Error) {
	if !e.Permission {
		return
	}
	switch c.state {
	case StateConnecting:
		c.abort(MsgMicrophoneDeniedLater)
	case StateConnected:
		log.Printf("session %s: permission error during call: %s", c.session.SessionID, e.Message)
	}
}

func (c *Controller) endCall() (Outcome, error) {
	if c.state != StateConnected {
		return Outcome{}, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
	if err := c.transport.Stop(ctx); err != nil {
		log.Println("failed to stop call:", err)
	}
	cancel()
	return c.finish(), nil
}

// finish wraps up a connected call.  Persistence and report failures are
// logged; the outcome still carries the in-memory values.
func (c *Controller) finish() Outcome {
	c.stopTicker()
	c.state = StateEnding
	c.changed()

	c.transcript.Flush()
	duration := c.seconds
	c.seconds = 0
	ended := c.now()
	if c.startedAt != nil && ended.Before(*c.startedAt) {
		ended = *c.startedAt
	}
	msgs := c.transcript.Messages()
	id := c.session.SessionID
	// the call-start write lands before the end write
	c.pending.Wait()

	out := Outcome{
		SessionID:       id,
		StartedAt:       c.startedAt,
		EndedAt:         ended,
		DurationSeconds: duration,
		Transcript:      msgs,
		Redirect:        DashboardPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
	if err := c.store.UpdateSession(ctx, id, pkg.SessionUpdate{
		CallEndedAt:                 &ended,
		ConsultationDurationSeconds: &duration,
		Transcript:                  msgs,
	}); err != nil {
		log.Println("failed to save consultation:", err)
	}
	cancel()
	c.session.CallEndedAt = &ended
	c.session.ConsultationDurationSeconds = duration
	c.session.Transcript = msgs

	if len(msgs) > 0 && c.reports != nil {
		rctx, rcancel := context.WithTimeout(context.Background(), c.reportTO)
		report, err := c.reports.Generate(rctx, msgs, c.session.SelectedDoctor, id)
		rcancel()
		if err != nil {
			log.Println("failed to generate report:", err)
		} else {
			out.Report = report
			c.session.Report = report
			ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
			if err := c.store.UpdateSession(ctx, id, pkg.SessionUpdate{Report: report}); err != nil {
				log.Println("failed to save report:", err)
			}
			cancel()
		}
	}

	if c.hooks.OnCallEnded != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
		c.hooks.OnCallEnded(ctx, out)
		cancel()
	}

	c.startedAt = nil
	c.state = StateIdle
	c.redirect = out.Redirect
	c.changed()
	return out
}

func (c *Controller) shutdown() {
	c.stopTicker()
	if c.state == StateConnecting || c.state == StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTO)
		if err := c.transport.Stop(ctx); err != nil {
			log.Println("failed to stop call:", err)
		}
		cancel()
	}
	c.state = StateIdle
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Controller) setError(msg string) {
	c.errMsg = msg
	c.changed()
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		SessionID:  c.session.SessionID,
		State:      c.state.String(),
		Error:      c.errMsg,
		Seconds:    c.seconds,
		Transcript: c.transcript.Messages(),
		Redirect:   c.redirect,
	}
}

func (c *Controller) changed() {
	if c.hooks.OnChange != nil {
		c.hooks.OnChange(c.snapshot())
	}
}
