package core

import (
	"time"

	"github.com/google/uuid"

	"voice-consult/pkg"
)

// Transcript accumulates utterance turns from streaming speech-to-text.
// Each role has at most one open (incomplete) turn, always its newest.
// It is not safe for concurrent use; the controller loop owns it.
type Transcript struct {
	messages []pkg.TranscriptMessage
	now      func() time.Time
	newID    func() string
}

func NewTranscript(now func() time.Time) *Transcript {
	if now == nil {
		now = time.Now
	}
	return &Transcript{now: now, newID: uuid.NewString}
}

// Apply merges one transcript delivery.  The open turn for role, if any, is
// replaced with text and closed when final; otherwise a new turn starts.
// Completed turns are never modified.
func (t *Transcript) Apply(role pkg.Role, text string, final bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		m := &t.messages[i]
		if m.Role == role && !m.IsComplete {
			m.Content = text
			m.IsComplete = final
			return
		}
	}
	t.messages = append(t.messages, pkg.TranscriptMessage{
		ID:         t.newID(),
		Role:       role,
		Content:    text,
		Timestamp:  t.now(),
		IsComplete: final,
	})
}

// Flush closes every open turn.
func (t *Transcript) Flush() {
	for i := range t.messages {
		t.messages[i].IsComplete = true
	}
}

func (t *Transcript) Reset() { t.messages = nil }

func (t *Transcript) Len() int { return len(t.messages) }

// Messages returns a copy of the turns in arrival order.
func (t *Transcript) Messages() []pkg.TranscriptMessage {
	out := make([]pkg.TranscriptMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// FormatTranscript renders turns as "Patient: ..." / "Agent: ..." lines.
func FormatTranscript(msgs []pkg.TranscriptMessage) string {
	var b []byte
	for i, m := range msgs {
		if i > 0 {
			b = append(b, '\n')
		}
		if m.Role == pkg.RoleUser {
			b = append(b, "Patient: "...)
		} else {
			b = append(b, "Agent: "...)
		}
		b = append(b, m.Content...)
	}
	return string(b)
}
