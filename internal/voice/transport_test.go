package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRESTTransportRequiresCredentials(t *testing.T) {
	if _, err := NewRESTTransport("http://x", "", "s"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestRESTTransportStartAndStop(t *testing.T) {
	var created createCallRequest
	stopped := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/call":
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"call-1","status":"queued"}`))
		case "/call/call-1/stop":
			stopped = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr, err := NewRESTTransport(srv.URL, "key", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start should be a no-op: %v", err)
	}
	if err := tr.Start(context.Background(), AgentConfig{Voice: Voice{VoiceID: "will"}}); err != nil {
		t.Fatal(err)
	}
	if tr.CallID() != "call-1" {
		t.Fatalf("call id = %q", tr.CallID())
	}
	if created.Metadata["sessionId"] != "session-1" || created.Assistant.Voice.VoiceID != "will" {
		t.Fatalf("unexpected create body %+v", created)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("stop endpoint not called")
	}
}

func TestRESTTransportStartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad assistant", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr, _ := NewRESTTransport(srv.URL, "key", "s")
	err := tr.Start(context.Background(), AgentConfig{})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}

func TestRESTTransportDeliver(t *testing.T) {
	tr, _ := NewRESTTransport("http://x", "key", "s")
	if err := tr.Deliver(CallStart{}); err != nil {
		t.Fatal(err)
	}
	if ev := <-tr.Events(); ev != (CallStart{}) {
		t.Fatalf("got %#v", ev)
	}
	for i := 0; i < bridgeEventQueue; i++ {
		_ = tr.Deliver(CallEnd{})
	}
	if err := tr.Deliver(CallEnd{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	tr.Close()
	if err := tr.Deliver(CallEnd{}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestBridgeTransportRelaysEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	bridges := make(chan *BridgeTransport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		bridges <- NewBridgeTransport(conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var bridge *BridgeTransport
	select {
	case bridge = <-bridges:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not created")
	}
	defer bridge.Close()

	if err := bridge.Start(context.Background(), AgentConfig{FirstMessage: "Hello"}); err != nil {
		t.Fatal(err)
	}
	var cmd bridgeCommand
	if err := client.ReadJSON(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Type != "start" || cmd.Config == nil || cmd.Config.FirstMessage != "Hello" {
		t.Fatalf("unexpected command %+v", cmd)
	}

	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"type":"volume-level","volume":1}`))
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"type":"call-start"}`))

	select {
	case ev := <-bridge.Events():
		if _, ok := ev.(CallStart); !ok {
			t.Fatalf("got %#v, want CallStart", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event relayed")
	}

	client.Close()
	select {
	case <-bridge.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not notice disconnect")
	}
	if _, ok := <-bridge.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

func dialBridge(t *testing.T) (*BridgeTransport, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	bridges := make(chan *BridgeTransport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		bridges <- NewBridgeTransport(conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	select {
	case b := <-bridges:
		t.Cleanup(func() { b.Close() })
		return b, client
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not created")
	}
	return nil, nil
}

func TestBridgeSnapshotsKeepNewest(t *testing.T) {
	bridge, client := dialBridge(t)

	start := time.Now()
	for i := 1; i <= 200; i++ {
		if err := bridge.SendSnapshot(i); err != nil {
			t.Fatal(err)
		}
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("queueing snapshots took %s", d)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var cmd struct {
			Type string  `json:"type"`
			Data float64 `json:"data"`
		}
		if err := client.ReadJSON(&cmd); err != nil {
			t.Fatalf("newest snapshot never arrived: %v", err)
		}
		if cmd.Type == "snapshot" && cmd.Data == 200 {
			break
		}
	}

	bridge.Close()
	if err := bridge.SendSnapshot(1); err == nil {
		t.Fatal("expected error after close")
	}
}
