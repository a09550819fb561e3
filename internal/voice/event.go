package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"voice-consult/pkg"
)

// Event is a realtime transport event.  The set is closed: CallStart,
// CallEnd, Transcript and Error are the only implementations, and Decode is
// the only place raw provider payloads turn into them.
type Event interface {
	transportEvent()
}

// CallStart signals that audio is flowing.
type CallStart struct {
	CallID string
}

// CallEnd signals that the provider considers the call over.
type CallEnd struct {
	Reason string
}

// Transcript is one speech-to-text delivery for a turn.  Interim deliveries
// refine the same turn until a final one arrives.
type Transcript struct {
	Role  pkg.Role
	Text  string
	Final bool
}

// Error is a provider error.  Permission is set for microphone-access
// failures, the only class the controller acts on.
type Error struct {
	Message    string
	Permission bool
}

func (CallStart) transportEvent()  {}
func (CallEnd) transportEvent()    {}
func (Transcript) transportEvent() {}
func (Error) transportEvent()      {}

// ErrIgnored marks payloads that are valid but carry nothing the controller
// uses (volume levels, speech updates, empty transcripts...).
var ErrIgnored = errors.New("voice: event ignored")

type envelope struct {
	Type           string          `json:"type"`
	Role           string          `json:"role"`
	Transcript     string          `json:"transcript"`
	TranscriptType string          `json:"transcriptType"`
	Status         string          `json:"status"`
	EndedReason    string          `json:"endedReason"`
	Message        json.RawMessage `json:"message"`
	Error          json.RawMessage `json:"error"`
	Call           *callRef        `json:"call"`
}

type callRef struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// Decode validates a provider payload and converts it into an Event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("voice: invalid payload: %w", err)
	}
	return env.event()
}

func (env envelope) event() (Event, error) {
	switch env.Type {
	case "call-start":
		ev := CallStart{}
		if env.Call != nil {
			ev.CallID = env.Call.ID
		}
		return ev, nil
	case "call-end":
		return CallEnd{Reason: env.EndedReason}, nil
	case "status-update":
		switch env.Status {
		case "in-progress":
			ev := CallStart{}
			if env.Call != nil {
				ev.CallID = env.Call.ID
			}
			return ev, nil
		case "ended":
			return CallEnd{Reason: env.EndedReason}, nil
		}
		return nil, fmt.Errorf("%w: status %q", ErrIgnored, env.Status)
	case "transcript":
		role := pkg.Role(env.Role)
		if !role.Valid() {
			return nil, fmt.Errorf("voice: unknown transcript role %q", env.Role)
		}
		if env.Transcript == "" {
			return nil, fmt.Errorf("%w: empty transcript", ErrIgnored)
		}
		return Transcript{Role: role, Text: env.Transcript, Final: env.TranscriptType == "final"}, nil
	case "error":
		msg := errorMessage(env.Error)
		if msg == "" {
			msg = rawString(env.Message)
		}
		if msg == "" {
			msg = "unknown error"
		}
		return Error{Message: msg, Permission: IsPermissionError(msg)}, nil
	case "message":
		if len(env.Message) == 0 || env.Message[0] != '{' {
			return nil, fmt.Errorf("%w: message without body", ErrIgnored)
		}
		var inner envelope
		if err := json.Unmarshal(env.Message, &inner); err != nil {
			return nil, fmt.Errorf("voice: invalid message body: %w", err)
		}
		if inner.Type == "message" {
			return nil, errors.New("voice: nested message wrapper")
		}
		return inner.event()
	case "":
		return nil, errors.New("voice: payload without type")
	}
	return nil, fmt.Errorf("%w: type %q", ErrIgnored, env.Type)
}

// WebhookEvent is a decoded provider webhook delivery.
type WebhookEvent struct {
	CallID    string
	SessionID string
	Event     Event
}

// DecodeWebhook unwraps a {"message": {...}} webhook body.  The session id
// travels in the call metadata set when the call was created.
func DecodeWebhook(data []byte) (WebhookEvent, error) {
	var body struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return WebhookEvent{}, fmt.Errorf("voice: invalid webhook: %w", err)
	}
	if len(body.Message) == 0 {
		return WebhookEvent{}, errors.New("voice: webhook without message")
	}
	var env envelope
	if err := json.Unmarshal(body.Message, &env); err != nil {
		return WebhookEvent{}, fmt.Errorf("voice: invalid webhook message: %w", err)
	}
	out := WebhookEvent{}
	if env.Call != nil {
		out.CallID = env.Call.ID
		out.SessionID = env.Call.Metadata["sessionId"]
	}
	ev, err := env.event()
	if err != nil {
		return out, err
	}
	out.Event = ev
	return out, nil
}

// IsPermissionError reports whether a provider error message describes a
// denied microphone.
func IsPermissionError(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "permission denied") || strings.Contains(m, "notallowederror")
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s := rawString(raw); s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Message != "" {
		return obj.Message
	}
	return obj.Error
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
