package voice

import (
	"context"
	"errors"

	"voice-consult/pkg"
)

// Transport is a realtime voice session owned by one controller.
type Transport interface {
	// Start asks the provider to open the call.  Lifecycle and transcript
	// events are delivered on Events.
	Start(ctx context.Context, cfg AgentConfig) error
	// Stop asks the provider to hang up.  It may still emit a late CallEnd.
	Stop(ctx context.Context) error
	// Events is closed once the transport can no longer deliver events.
	Events() <-chan Event
	Close() error
}

// ErrNotConfigured is returned by transport constructors that are missing
// credentials.
var ErrNotConfigured = errors.New("voice: transport not configured")

// AgentConfig is the provider-facing description of the conversational
// agent for one call.
type AgentConfig struct {
	Name         string      `json:"name"`
	FirstMessage string      `json:"firstMessage"`
	Transcriber  Transcriber `json:"transcriber"`
	Voice        Voice       `json:"voice"`
	Model        Model       `json:"model"`
}

type Transcriber struct {
	Provider string `json:"provider"`
	Language string `json:"language"`
}

type Voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type Model struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []ModelMessage `json:"messages"`
}

type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Settings are the deployment-wide agent parameters.
type Settings struct {
	Name                string
	FirstMessage        string
	TranscriberProvider string
	TranscriberLanguage string
	VoiceProvider       string
	ModelProvider       string
	Model               string
}

// AgentConfig builds the per-call config for doctor d.
func (s Settings) AgentConfig(d pkg.DoctorProfile) AgentConfig {
	return AgentConfig{
		Name:         s.Name,
		FirstMessage: s.FirstMessage,
		Transcriber: Transcriber{
			Provider: s.TranscriberProvider,
			Language: s.TranscriberLanguage,
		},
		Voice: Voice{
			Provider: s.VoiceProvider,
			VoiceID:  d.VoiceID,
		},
		Model: Model{
			Provider: s.ModelProvider,
			Model:    s.Model,
			Messages: []ModelMessage{{Role: string(pkg.RoleSystem), Content: d.AgentPrompt}},
		},
	}
}
