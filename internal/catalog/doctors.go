// Package catalog holds the doctor personas.  The list is fixed at build
// time; sessions copy the selected entry so later edits here do not rewrite
// history.
package catalog

import (
	"github.com/samber/lo"

	"voice-consult/pkg"
)

const prescribingNote = " Additionally, if the user asks for medication, you must suggest and prescribe medicine according to local regulatory standards (but do not mention the country in the response)."

var doctors = []pkg.DoctorProfile{
	{
		ID:                   1,
		Specialist:           "General Physician",
		Description:          "Helps with everyday health concerns and common symptoms.",
		Image:                "/doctor1.png",
		AgentPrompt:          "You are a friendly General Physician AI. Greet the user and quickly ask what symptoms they're experiencing. Keep responses short and helpful." + prescribingNote,
		VoiceID:              "DwwuoY7Uz8AP8zrY5TAo",
		SubscriptionRequired: false,
	},
	{
		ID:                   2,
		Specialist:           "Pediatrician",
		Description:          "Expert in children's health, from babies to teens.",
		Image:                "/doctor2.png",
		AgentPrompt:          "You are a kind Pediatrician AI. Ask brief questions about the child's health and share quick, safe suggestions." + prescribingNote,
		VoiceID:              "pzxut4zZz4GImZNlqQ3H",
		SubscriptionRequired: true,
	},
	{
		ID:                   3,
		Specialist:           "Dermatologist",
		Description:          "Handles skin issues like rashes, acne, or infections.",
		Image:                "/doctor3.png",
		AgentPrompt:          "You are a knowledgeable Dermatologist AI. Ask short questions about the skin issue and give simple, clear advice." + prescribingNote,
		VoiceID:              "xYo5z1CSHgIA8XSPGcsR",
		SubscriptionRequired: true,
	},
	{
		ID:                   4,
		Specialist:           "Psychologist",
		Description:          "Supports mental health and emotional well-being.",
		Image:                "/doctor4.png",
		AgentPrompt:          "You are a caring Psychologist AI. Ask how the user is feeling emotionally and give short, supportive tips." + prescribingNote,
		VoiceID:              "uYXf8XasLslADfZ2MB4u",
		SubscriptionRequired: true,
	},
	{
		ID:                   5,
		Specialist:           "Nutritionist",
		Description:          "Provides advice on healthy eating and weight management.",
		Image:                "/doctor5.png",
		AgentPrompt:          "You are a motivating Nutritionist AI. Ask about current diet or goals and suggest quick, healthy tips." + prescribingNote,
		VoiceID:              "56bWURjYFHyYyVf490Dp",
		SubscriptionRequired: true,
	},
	{
		ID:                   6,
		Specialist:           "Cardiologist",
		Description:          "Focuses on heart health and blood pressure issues.",
		Image:                "/doctor6.png",
		AgentPrompt:          "You are a calm Cardiologist AI. Ask about heart symptoms and offer brief, helpful advice." + prescribingNote,
		VoiceID:              "MClEFoImJXBTgLwdLI5n",
		SubscriptionRequired: true,
	},
	{
		ID:                   7,
		Specialist:           "ENT Specialist",
		Description:          "Handles ear, nose, and throat-related problems.",
		Image:                "/doctor7.png",
		AgentPrompt:          "You are a friendly ENT AI. Ask quickly about ENT symptoms and give simple, clear suggestions." + prescribingNote,
		VoiceID:              "TgnhEILA8UwUqIMi20rp",
		SubscriptionRequired: true,
	},
	{
		ID:                   8,
		Specialist:           "Orthopedic",
		Description:          "Helps with bone, joint, and muscle pain.",
		Image:                "/doctor8.png",
		AgentPrompt:          "You are an understanding Orthopedic AI. Ask where the pain is and give short, supportive advice." + prescribingNote,
		VoiceID:              "DYAWdnlYLnZyj3yWpS75",
		SubscriptionRequired: true,
	},
	{
		ID:                   9,
		Specialist:           "Gynecologist",
		Description:          "Cares for women's reproductive and hormonal health.",
		Image:                "/doctor9.png",
		AgentPrompt:          "You are a respectful Gynecologist AI. Ask brief, gentle questions and keep answers short and reassuring." + prescribingNote,
		VoiceID:              "7EzWGsX10sAS4c9m9cPf",
		SubscriptionRequired: true,
	},
	{
		ID:                   10,
		Specialist:           "Dentist",
		Description:          "Handles oral hygiene and dental problems.",
		Image:                "/doctor10.png",
		AgentPrompt:          "You are a cheerful Dentist AI. Ask about the dental issue and give quick, calming suggestions." + prescribingNote,
		VoiceID:              "4e32WqNVWRquDa1OcRYZ",
		SubscriptionRequired: true,
	},
}

// All returns a copy of the catalog.
func All() []pkg.DoctorProfile {
	out := make([]pkg.DoctorProfile, len(doctors))
	copy(out, doctors)
	return out
}

// Lookup returns the catalog entry with the given id.
func Lookup(id int) (pkg.DoctorProfile, bool) {
	return lo.Find(doctors, func(d pkg.DoctorProfile) bool { return d.ID == id })
}

// LookupSpecialist matches a specialist name case-sensitively first, then by
// id as a fallback for LLM output that only echoes the id.
func LookupSpecialist(name string, id int) (pkg.DoctorProfile, bool) {
	if d, ok := lo.Find(doctors, func(d pkg.DoctorProfile) bool { return d.Specialist == name }); ok {
		return d, true
	}
	return Lookup(id)
}

// Entitlement is what the caller is allowed to use.  The HTTP layer resolves
// it per request and hands it to the selection flow.
type Entitlement struct {
	Premium bool
}

// Selectable reports whether d can be chosen under e.
func (e Entitlement) Selectable(d pkg.DoctorProfile) bool {
	return !d.SubscriptionRequired || e.Premium
}

// Listings annotates the catalog with a locked flag for e.
func Listings(e Entitlement) []pkg.DoctorListing {
	return lo.Map(doctors, func(d pkg.DoctorProfile, _ int) pkg.DoctorListing {
		return pkg.DoctorListing{DoctorProfile: d, Locked: !e.Selectable(d)}
	})
}
