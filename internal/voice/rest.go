package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrQueueFull is returned by Deliver when the controller is not keeping up.
var ErrQueueFull = errors.New("voice: event queue full")

// RESTTransport drives a server-side call through the provider's HTTP API.
// Events come back through the webhook and are fed in with Deliver.
type RESTTransport struct {
	client    *resty.Client
	sessionID string
	events    chan Event

	mu     sync.Mutex
	callID string

	closed    chan struct{}
	closeOnce sync.Once
}

type createCallRequest struct {
	Assistant AgentConfig       `json:"assistant"`
	Metadata  map[string]string `json:"metadata"`
}

type callResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewRESTTransport returns ErrNotConfigured when the base URL or API key is
// missing.
func NewRESTTransport(baseURL, apiKey, sessionID string) (*RESTTransport, error) {
	if baseURL == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)
	return &RESTTransport{
		client:    client,
		sessionID: sessionID,
		events:    make(chan Event, bridgeEventQueue),
		closed:    make(chan struct{}),
	}, nil
}

func (t *RESTTransport) Start(ctx context.Context, cfg AgentConfig) error {
	var out callResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(createCallRequest{
			Assistant: cfg,
			Metadata:  map[string]string{"sessionId": t.sessionID},
		}).
		SetResult(&out).
		Post("/call")
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("create call: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.ID == "" {
		return errors.New("create call: response without id")
	}
	t.mu.Lock()
	t.callID = out.ID
	t.mu.Unlock()
	return nil
}

func (t *RESTTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	id := t.callID
	t.mu.Unlock()
	if id == "" {
		return nil
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Post("/call/{id}/stop")
	if err != nil {
		return fmt.Errorf("stop call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("stop call: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CallID is the provider call id, empty before Start succeeds.
func (t *RESTTransport) CallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callID
}

// Deliver hands a webhook event to the controller.
func (t *RESTTransport) Deliver(ev Event) error {
	select {
	case <-t.closed:
		return errors.New("voice: transport closed")
	default:
	}
	select {
	case t.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *RESTTransport) Events() <-chan Event { return t.events }

func (t *RESTTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
