package core

// prompts.go holds the English prompts used by the matcher and the report
// generator, kept apart so they can be tuned without touching the logic.

const (
	// TriageInstruction is the system prompt for doctor matching.
	TriageInstruction = "You are an expert medical triage assistant. Analyze the user's symptoms and match them " +
		"to the most suitable specialist(s) from the provided list. Respond with valid JSON only: " +
		"an array of the matched doctor objects, copied from the list."

	// FirstMessage is the agent's greeting when the call connects.
	FirstMessage = "Hello! How can I assist you with your health concerns today?"

	// ReportInstruction asks for the structured post-call report.
	ReportInstruction = `You are an AI Medical Voice Agent that just finished a voice conversation with a user. Based on the transcript, generate a structured report with the following fields:
1. sessionId: a unique session identifier
2. agent: the medical specialist name (e.g., "General Physician AI")
3. user: name of the patient or "Anonymous" if not provided
4. timestamp: current date and time in ISO format
5. chiefComplaint: one-sentence summary of the main health concern
6. summary: a 2-3 sentence summary of the conversation, symptoms, and recommendations
7. symptoms: list of symptoms mentioned by the user
8. duration: how long the user has experienced the symptoms
9. severity: mild, moderate, or severe
10. medicationsMentioned: list of any medicines mentioned
11. recommendations: list of AI suggestions (e.g., rest, see a doctor)
Return the result in this JSON format:
{
  "sessionId": "string",
  "agent": "string",
  "user": "string",
  "timestamp": "ISO Date string",
  "chiefComplaint": "string",
  "summary": "string",
  "symptoms": ["symptom1", "symptom2"],
  "duration": "string",
  "severity": "string",
  "medicationsMentioned": ["med1", "med2"],
  "recommendations": ["rec1", "rec2"]
}
Only include valid fields. Respond with nothing else.`
)

// User-facing messages set by the controller.
const (
	MsgAgentNotLoaded        = "Doctor's voice agent is not loaded. Please refresh the page and try again."
	MsgTransportUnavailable  = "Voice service is not configured. Please contact support."
	MsgMicrophoneDenied      = "Microphone access denied. Please enable it in your browser to start the call."
	MsgMicrophoneDeniedLater = "Microphone access was denied. Please allow microphone access in your browser settings."
	MsgStartFailed           = "Failed to start the call. Please try again."
)
