package pkg

import "time"

// DoctorProfile is an AI doctor persona from the catalog.  Sessions store a
// copy of it so that old consultations keep the persona they were held with.
type DoctorProfile struct {
	ID                   int    `json:"id"`
	Specialist           string `json:"specialist"`
	Description          string `json:"description"`
	Image                string `json:"image"`
	AgentPrompt          string `json:"agentPrompt"`
	VoiceID              string `json:"voiceId"`
	SubscriptionRequired bool   `json:"subscriptionRequired"`
}

// Role describes who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TranscriptMessage is one utterance turn.  Content may still change while
// IsComplete is false.
type TranscriptMessage struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsComplete bool      `json:"isComplete"`
}

// Severity is the report's coarse severity grading.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Report is the structured clinical summary generated after a call.  Every
// field is best effort since it is extracted from free conversation.
type Report struct {
	SessionID            string    `json:"sessionId"`
	Agent                string    `json:"agent"`
	User                 string    `json:"user"`
	Timestamp            time.Time `json:"timestamp"`
	ChiefComplaint       string    `json:"chiefComplaint"`
	Summary              string    `json:"summary"`
	Symptoms             []string  `json:"symptoms"`
	Duration             string    `json:"duration"`
	Severity             Severity  `json:"severity,omitempty"`
	MedicationsMentioned []string  `json:"medicationsMentioned"`
	Recommendations      []string  `json:"recommendations"`
}

// Session is one consultation record.
type Session struct {
	SessionID                   string              `json:"sessionId"`
	CreatedBy                   string              `json:"createdBy"`
	Notes                       string              `json:"notes"`
	SelectedDoctor              DoctorProfile       `json:"selectedDoctor"`
	CreatedOn                   time.Time           `json:"createdOn"`
	CallStartedAt               *time.Time          `json:"callStartedAt,omitempty"`
	CallEndedAt                 *time.Time          `json:"callEndedAt,omitempty"`
	ConsultationDurationSeconds int                 `json:"consultationDuration"`
	Transcript                  []TranscriptMessage `json:"conversation"`
	Report                      *Report             `json:"report,omitempty"`
}

// SessionUpdate is a partial update of a Session.  Nil fields are left
// untouched.
type SessionUpdate struct {
	CallStartedAt               *time.Time
	CallEndedAt                 *time.Time
	ConsultationDurationSeconds *int
	Transcript                  []TranscriptMessage
	Report                      *Report
}

// Empty reports whether the update carries no fields.
func (u SessionUpdate) Empty() bool {
	return u.CallStartedAt == nil && u.CallEndedAt == nil &&
		u.ConsultationDurationSeconds == nil && u.Transcript == nil && u.Report == nil
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Notes    string `json:"notes"`
	DoctorID int    `json:"doctorId" binding:"required"`
}

// SuggestDoctorsRequest is the body of POST /api/suggest-doctors.
type SuggestDoctorsRequest struct {
	Notes string `json:"notes"`
}

// UpdateSessionRequest is the body of PUT /api/sessions/:id.
type UpdateSessionRequest struct {
	ConsultationDuration *int       `json:"consultationDuration"`
	CallStartedAt        *time.Time `json:"callStartedAt"`
	CallEndedAt          *time.Time `json:"callEndedAt"`
}

// DoctorListing is a catalog entry as shown to a particular user.
type DoctorListing struct {
	DoctorProfile
	Locked bool `json:"locked"`
}
