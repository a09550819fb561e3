package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"voice-consult/internal/llm"
	"voice-consult/internal/voice"
	"voice-consult/pkg"
)

type fakeTransport struct {
	mu       sync.Mutex
	events   chan voice.Event
	startErr error
	starts   int
	stops    int
	closed   bool
	lastCfg  voice.AgentConfig
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan voice.Event)}
}

func (f *fakeTransport) Start(ctx context.Context, cfg voice.AgentConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastCfg = cfg
	return f.startErr
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) Events() <-chan voice.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*pkg.Session
	updates   []pkg.SessionUpdate
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*pkg.Session{}}
}

func (s *fakeStore) CreateSession(ctx context.Context, sess *pkg.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, id string, u pkg.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.updateErr
}

func (s *fakeStore) ListSessions(ctx context.Context, createdBy string, limit int) ([]pkg.Session, error) {
	return nil, nil
}

func (s *fakeStore) recorded() []pkg.SessionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pkg.SessionUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

type fakeReports struct {
	mu     sync.Mutex
	calls  int
	err    error
	gotLen int
}

func (g *fakeReports) Generate(ctx context.Context, transcript []pkg.TranscriptMessage, doctor pkg.DoctorProfile, sessionID string) (*pkg.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.gotLen = len(transcript)
	if g.err != nil {
		return nil, g.err
	}
	return &pkg.Report{SessionID: sessionID, Agent: doctor.Specialist, ChiefComplaint: "headache"}, nil
}

func (g *fakeReports) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped int
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLLM struct {
	chat       string
	summary    string
	err        error
	lastPrompt string
	calls      int
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	f.calls++
	for _, m := range messages {
		f.lastPrompt += m.Content + "\n"
	}
	return f.chat, f.err
}

func (f *fakeLLM) Summarize(ctx context.Context, instruction, prompt string) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	return f.summary, f.err
}

type harness struct {
	c        *Controller
	tr       *fakeTransport
	store    *fakeStore
	reports  *fakeReports
	ticker   *fakeTicker
	clock    *fakeClock
	ended    chan Outcome
	aborted  chan struct{}
	deadline chan time.Time
}

var testDoctor = pkg.DoctorProfile{
	ID:          1,
	Specialist:  "General Physician",
	AgentPrompt: "You are a friendly General Physician AI.",
	VoiceID:     "voice-1",
}

func newHarness(t *testing.T, doctor pkg.DoctorProfile) *harness {
	t.Helper()
	h := &harness{
		tr:       newFakeTransport(),
		store:    newFakeStore(),
		reports:  &fakeReports{},
		ticker:   &fakeTicker{ch: make(chan time.Time)},
		clock:    &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		ended:    make(chan Outcome, 4),
		aborted:  make(chan struct{}, 4),
		deadline: make(chan time.Time),
	}
	h.c = NewController(pkg.Session{SessionID: "session-1", SelectedDoctor: doctor}, Options{
		Store:     h.store,
		Reports:   h.reports,
		Transport: h.tr,
		Now:       h.clock.Now,
		NewTicker: func(time.Duration) Ticker { return h.ticker },
		After:     func(time.Duration) <-chan time.Time { return h.deadline },
		Hooks: Hooks{
			OnCallEnded:   func(ctx context.Context, out Outcome) { h.ended <- out },
			OnCallAborted: func() { h.aborted <- struct{}{} },
		},
	})
	t.Cleanup(func() { h.c.Close() })
	return h
}

func (h *harness) send(ev voice.Event) { h.tr.events <- ev }

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.ticker.ch <- time.Time{}
	}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// connect starts a call and delivers call-start.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.c.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	h.send(voice.CallStart{})
	if s := h.snapshot(t); s.State != "connected" {
		t.Fatalf("state = %s, want connected", s.State)
	}
	h.c.pending.Wait()
}
