package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"voice-consult/internal/catalog"
	"voice-consult/internal/core"
	"voice-consult/internal/voice"
	"voice-consult/pkg"
)

func init() { gin.SetMode(gin.TestMode) }

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*pkg.Session
	seq      int
}

func newMemStore() *memStore { return &memStore{sessions: map[string]*pkg.Session{}} }

func (m *memStore) CreateSession(ctx context.Context, s *pkg.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if s.SessionID == "" {
		s.SessionID = fmt.Sprintf("sess-%d", m.seq)
	}
	if s.CreatedOn.IsZero() {
		s.CreatedOn = time.Date(2025, 1, 1, 0, 0, m.seq, 0, time.UTC)
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSession(ctx context.Context, id string, u pkg.SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	if u.CallStartedAt != nil {
		s.CallStartedAt = u.CallStartedAt
	}
	if u.CallEndedAt != nil {
		s.CallEndedAt = u.CallEndedAt
	}
	if u.ConsultationDurationSeconds != nil {
		s.ConsultationDurationSeconds = *u.ConsultationDurationSeconds
	}
	if u.Transcript != nil {
		s.Transcript = u.Transcript
	}
	if u.Report != nil {
		s.Report = u.Report
	}
	return nil
}

func (m *memStore) ListSessions(ctx context.Context, createdBy string, limit int) ([]pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.Session
	for _, s := range m.sessions {
		if s.CreatedBy == createdBy {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.After(out[j].CreatedOn) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) get(id string) pkg.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

type fakeMatcher struct {
	doctors []pkg.DoctorProfile
	err     error
	premium bool
}

func (f *fakeMatcher) Suggest(ctx context.Context, notes string, e catalog.Entitlement) ([]pkg.DoctorProfile, error) {
	f.premium = e.Premium
	if strings.TrimSpace(notes) == "" {
		return nil, core.ErrEmptyNotes
	}
	return f.doctors, f.err
}

type fakeReports struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReports) Generate(ctx context.Context, transcript []pkg.TranscriptMessage, doctor pkg.DoctorProfile, sessionID string) (*pkg.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pkg.Report{
		SessionID:      sessionID,
		Agent:          doctor.Specialist,
		ChiefComplaint: transcript[0].Content,
		Severity:       pkg.SeverityMild,
	}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []string
	updates   chan string
	listening chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{updates: make(chan string, 1), listening: make(chan struct{})}
}

func (f *fakeNotifier) Notify(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, sessionID)
	return nil
}

func (f *fakeNotifier) Listen(ctx context.Context) (<-chan string, error) {
	close(f.listening)
	return f.updates, nil
}

// manualTicker fires only when the test sends on it.
type manualTicker struct{ ch chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

type testEnv struct {
	srv      *Server
	store    *memStore
	reports  *fakeReports
	matcher  *fakeMatcher
	notifier *fakeNotifier
	tickers  chan *manualTicker
	router   *gin.Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		reports:  &fakeReports{},
		matcher:  &fakeMatcher{},
		notifier: newFakeNotifier(),
		tickers:  make(chan *manualTicker, 4),
	}
	hub := core.NewHub()
	t.Cleanup(hub.CloseAll)
	env.srv = NewServer(env.store, env.matcher, env.reports, hub, voice.Settings{Name: "test"}, opts)
	env.srv.Notifier = env.notifier
	env.srv.NewTicker = func(time.Duration) core.Ticker {
		tk := &manualTicker{ch: make(chan time.Time)}
		env.tickers <- tk
		return tk
	}
	env.router = env.srv.Router()
	return env
}

func (e *testEnv) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, user string, doctorID int) string {
	t.Helper()
	d, ok := catalog.Lookup(doctorID)
	if !ok {
		t.Fatalf("no doctor %d", doctorID)
	}
	s := &pkg.Session{CreatedBy: user, SelectedDoctor: d}
	if err := e.store.CreateSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s.SessionID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("bad body %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t, Options{})
	if w := env.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/doctors", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d", w.Code)
	}
}

func TestListDoctorsLocksPremium(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(http.MethodGet, "/api/doctors", "u1", nil)
	var listings []pkg.DoctorListing
	decode(t, w, &listings)
	if len(listings) != len(catalog.All()) {
		t.Fatalf("got %d listings", len(listings))
	}
	for _, l := range listings {
		if l.Locked != l.SubscriptionRequired {
			t.Fatalf("doctor %d locked=%v", l.ID, l.Locked)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/doctors", nil)
	req.Header.Set(userHeader, "u1")
	req.Header.Set(subscriptionHeader, "active")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	decode(t, rec, &listings)
	for _, l := range listings {
		if l.Locked {
			t.Fatalf("doctor %d locked for subscriber", l.ID)
		}
	}
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	if w := env.do(http.MethodPost, "/api/sessions", "u1", gin.H{"notes": "x", "doctorId": 6}); w.Code != http.StatusForbidden {
		t.Fatalf("premium doctor = %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/sessions", "u1", gin.H{"doctorId": 99}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown doctor = %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/sessions", "u1", gin.H{"notes": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing doctor = %d", w.Code)
	}

	w := env.do(http.MethodPost, "/api/sessions", "u1", gin.H{"notes": " headache ", "doctorId": 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
		Success   bool   `json:"success"`
	}
	decode(t, w, &resp)
	if !resp.Success || resp.SessionID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	got := env.store.get(resp.SessionID)
	if got.CreatedBy != "u1" || got.Notes != "headache" || got.SelectedDoctor.ID != 1 {
		t.Fatalf("stored %+v", got)
	}
}

func TestCreateSessionWithFakeSubscription(t *testing.T) {
	env := newTestEnv(t, Options{FakeSubscription: true})
	if w := env.do(http.MethodPost, "/api/sessions", "u1", gin.H{"doctorId": 6}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
}

func TestGetSessionOwnership(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.seed(t, "u1", 1)
	if w := env.do(http.MethodGet, "/api/sessions/"+id, "u2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign session = %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/sessions/missing", "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing session = %d", w.Code)
	}
	w := env.do(http.MethodGet, "/api/sessions/"+id, "u1", nil)
	var sess pkg.Session
	decode(t, w, &sess)
	if sess.SessionID != id || sess.SelectedDoctor.Specialist != "General Physician" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestUpdateSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.seed(t, "u1", 1)
	path := "/api/sessions/" + id

	cases := map[string]string{
		"negative":  `{"consultationDuration": -1}`,
		"reversed":  `{"callStartedAt": "2025-01-01T10:00:00Z", "callEndedAt": "2025-01-01T09:00:00Z"}`,
		"empty":     `{}`,
		"malformed": `{"consultationDuration": "ten"}`,
	}
	for name, body := range cases {
		if w := env.do(http.MethodPut, path, "u1", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s = %d", name, w.Code)
		}
	}

	w := env.do(http.MethodPut, path, "u1", `{"consultationDuration": 42, "callStartedAt": "2025-01-01T09:00:00Z"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d %s", w.Code, w.Body)
	}
	got := env.store.get(id)
	if got.ConsultationDurationSeconds != 42 || got.CallStartedAt == nil {
		t.Fatalf("stored %+v", got)
	}
	// the stored start is checked against a new end
	if w := env.do(http.MethodPut, path, "u1", `{"callEndedAt": "2025-01-01T08:00:00Z"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("end before stored start = %d", w.Code)
	}

	if w := env.do(http.MethodPut, path, "u1", `{"callStartedAt": "2025-01-01T09:30:00Z"}`); w.Code != http.StatusConflict {
		t.Fatalf("start overwrite = %d", w.Code)
	}
	if w := env.do(http.MethodPut, path, "u1", `{"callStartedAt": "2025-01-01T09:00:00Z"}`); w.Code != http.StatusOK {
		t.Fatalf("start resend = %d %s", w.Code, w.Body)
	}
	if w := env.do(http.MethodPut, path, "u1", `{"callEndedAt": "2025-01-01T09:10:00Z"}`); w.Code != http.StatusOK {
		t.Fatalf("end = %d %s", w.Code, w.Body)
	}
	if w := env.do(http.MethodPut, path, "u1", `{"callEndedAt": "2025-01-01T11:00:00Z", "consultationDuration": 5}`); w.Code != http.StatusConflict {
		t.Fatalf("end overwrite = %d", w.Code)
	}
	got = env.store.get(id)
	want := time.Date(2025, 1, 1, 9, 10, 0, 0, time.UTC)
	if got.CallEndedAt == nil || !got.CallEndedAt.Equal(want) || got.ConsultationDurationSeconds != 42 {
		t.Fatalf("stored after overwrite attempt %+v", got)
	}
}

func TestListConsultations(t *testing.T) {
	env := newTestEnv(t, Options{SessionListLimit: 2})
	env.seed(t, "u1", 1)
	second := env.seed(t, "u1", 1)
	third := env.seed(t, "u1", 1)
	env.seed(t, "u2", 1)

	w := env.do(http.MethodGet, "/api/consultations", "u1", nil)
	var sessions []pkg.Session
	decode(t, w, &sessions)
	if len(sessions) != 2 || sessions[0].SessionID != third || sessions[1].SessionID != second {
		t.Fatalf("unexpected list %+v", sessions)
	}
}

func TestSuggestDoctors(t *testing.T) {
	env := newTestEnv(t, Options{})
	gp, _ := catalog.Lookup(1)
	env.matcher.doctors = []pkg.DoctorProfile{gp}

	if w := env.do(http.MethodPost, "/api/suggest-doctors", "u1", gin.H{"notes": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("blank notes = %d", w.Code)
	}
	w := env.do(http.MethodPost, "/api/suggest-doctors", "u1", gin.H{"notes": "fever"})
	var doctors []pkg.DoctorProfile
	decode(t, w, &doctors)
	if len(doctors) != 1 || doctors[0].ID != 1 || env.matcher.premium {
		t.Fatalf("unexpected suggestions %+v", doctors)
	}

	env.matcher.err = errors.New("upstream down")
	if w := env.do(http.MethodPost, "/api/suggest-doctors", "u1", gin.H{"notes": "fever"}); w.Code != http.StatusInternalServerError {
		t.Fatalf("matcher failure = %d", w.Code)
	}
}

func TestGenerateReport(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.seed(t, "u1", 1)
	path := "/api/sessions/" + id + "/report"

	if w := env.do(http.MethodPost, path, "u1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty transcript = %d", w.Code)
	}

	msgs := []pkg.TranscriptMessage{{ID: "m1", Role: pkg.RoleUser, Content: "I have a headache", IsComplete: true}}
	_ = env.store.UpdateSession(context.Background(), id, pkg.SessionUpdate{Transcript: msgs})
	w := env.do(http.MethodPost, path, "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("generate = %d %s", w.Code, w.Body)
	}
	var report pkg.Report
	decode(t, w, &report)
	if report.ChiefComplaint != "I have a headache" || report.SessionID != id {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := env.store.get(id); got.Report == nil {
		t.Fatal("report not stored")
	}
	if len(env.notifier.notified) != 1 || env.notifier.notified[0] != id {
		t.Fatalf("notified %v", env.notifier.notified)
	}

	env.reports.err = errors.New("llm down")
	if w := env.do(http.MethodPost, path, "u1", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("generation failure = %d", w.Code)
	}
}

func TestReportStreamSendsStoredReport(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.seed(t, "u1", 1)
	_ = env.store.UpdateSession(context.Background(), id, pkg.SessionUpdate{Report: &pkg.Report{SessionID: id, Summary: "rest"}})

	w := env.do(http.MethodGet, "/api/sessions/"+id+"/report/stream", "u1", nil)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, "event:report") || !strings.Contains(body, `"summary":"rest"`) {
		t.Fatalf("unexpected stream %q", body)
	}
}

func TestReportStreamWithoutNotifier(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.srv.Notifier = nil
	id := env.seed(t, "u1", 1)
	w := env.do(http.MethodGet, "/api/sessions/"+id+"/report/stream", "u1", nil)
	if body := w.Body.String(); !strings.Contains(body, "event:pending") {
		t.Fatalf("unexpected stream %q", body)
	}
}

func TestReportStreamWaitsForNotification(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.seed(t, "u1", 1)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- env.do(http.MethodGet, "/api/sessions/"+id+"/report/stream", "u1", nil)
	}()

	select {
	case <-env.notifier.listening:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never listened")
	}
	_ = env.store.UpdateSession(context.Background(), id, pkg.SessionUpdate{Report: &pkg.Report{SessionID: id, Summary: "late"}})
	env.notifier.updates <- id

	select {
	case w := <-done:
		if body := w.Body.String(); !strings.Contains(body, "event:report") || !strings.Contains(body, `"summary":"late"`) {
			t.Fatalf("unexpected stream %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
}
