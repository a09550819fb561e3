package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-consult/internal/llm"
	"voice-consult/pkg"
)

// ReportGenerator turns a finished transcript into a structured report.
type ReportGenerator interface {
	Generate(ctx context.Context, transcript []pkg.TranscriptMessage, doctor pkg.DoctorProfile, sessionID string) (*pkg.Report, error)
}

// ErrEmptyTranscript is returned when there is nothing to summarise.
var ErrEmptyTranscript = errors.New("transcript is empty")

// Reporter generates reports with an LLM.
type Reporter struct {
	LLM llm.Client
	Now func() time.Time
}

// NewReporter constructs a Reporter.
func NewReporter(client llm.Client) *Reporter {
	return &Reporter{LLM: client, Now: time.Now}
}

// reportPayload mirrors pkg.Report but tolerates a free-form timestamp and
// severity from the model.
type reportPayload struct {
	User                 string   `json:"user"`
	ChiefComplaint       string   `json:"chiefComplaint"`
	Summary              string   `json:"summary"`
	Symptoms             []string `json:"symptoms"`
	Duration             string   `json:"duration"`
	Severity             string   `json:"severity"`
	MedicationsMentioned []string `json:"medicationsMentioned"`
	Recommendations      []string `json:"recommendations"`
}

// Generate asks the model for a report.  sessionId, agent and timestamp are
// always the known values regardless of what the model returns.
func (r *Reporter) Generate(ctx context.Context, transcript []pkg.TranscriptMessage, doctor pkg.DoctorProfile, sessionID string) (*pkg.Report, error) {
	if len(transcript) == 0 {
		return nil, ErrEmptyTranscript
	}
	now := r.Now().UTC()
	prompt := fmt.Sprintf(`Here is the conversation transcript:
---
%s
---

Please generate the JSON report based on this transcript.
Use the following exact values for these fields:
- "sessionId": %q
- "agent": %q
- "timestamp": %q

Analyze the transcript to fill in the remaining fields (user, chiefComplaint, summary, symptoms, etc.).`,
		FormatTranscript(transcript), sessionID, doctor.Specialist, now.Format(time.RFC3339))

	raw, err := r.LLM.Summarize(ctx, ReportInstruction, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}
	cleaned := llm.CleanJSON(raw)
	if cleaned == "" {
		return nil, errors.New("generate report: empty model response")
	}
	var p reportPayload
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return nil, fmt.Errorf("generate report: invalid json: %w", err)
	}
	user := strings.TrimSpace(p.User)
	if user == "" {
		user = "Anonymous"
	}
	return &pkg.Report{
		SessionID:            sessionID,
		Agent:                doctor.Specialist,
		User:                 user,
		Timestamp:            now,
		ChiefComplaint:       p.ChiefComplaint,
		Summary:              p.Summary,
		Symptoms:             nonNil(p.Symptoms),
		Duration:             p.Duration,
		Severity:             normalizeSeverity(p.Severity),
		MedicationsMentioned: nonNil(p.MedicationsMentioned),
		Recommendations:      nonNil(p.Recommendations),
	}, nil
}

func normalizeSeverity(s string) pkg.Severity {
	switch sev := pkg.Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case pkg.SeverityMild, pkg.SeverityModerate, pkg.SeveritySevere:
		return sev
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
