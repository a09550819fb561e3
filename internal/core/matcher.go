package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"voice-consult/internal/catalog"
	"voice-consult/internal/llm"
	"voice-consult/pkg"
)

// ErrEmptyNotes is returned when the user gave no symptoms to match on.
var ErrEmptyNotes = errors.New("notes are required")

// Matcher suggests doctors from the catalog for a user's notes.
type Matcher struct {
	LLM llm.Client
}

func NewMatcher(client llm.Client) *Matcher {
	return &Matcher{LLM: client}
}

type suggestion struct {
	ID         int    `json:"id"`
	Specialist string `json:"specialist"`
}

// Suggest returns the catalog doctors the model matched, in the model's
// order, without duplicates and without entries e cannot select.  Anything
// the model invents is dropped.
func (m *Matcher) Suggest(ctx context.Context, notes string, e catalog.Entitlement) ([]pkg.DoctorProfile, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, ErrEmptyNotes
	}
	list, err := json.Marshal(lo.Map(catalog.All(), func(d pkg.DoctorProfile, _ int) map[string]any {
		return map[string]any{"id": d.ID, "specialist": d.Specialist, "description": d.Description}
	}))
	if err != nil {
		return nil, err
	}
	raw, err := m.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: TriageInstruction},
		{Role: "user", Content: "Available Doctors: " + string(list)},
		{Role: "user", Content: fmt.Sprintf("I have the following symptoms and details: %s. Based on these, suggest all suitable doctors or specialists I should consult with. Only return the final JSON array of matched doctor objects.", notes)},
	})
	if err != nil {
		return nil, fmt.Errorf("suggest doctors: %w", err)
	}
	picks, err := parseSuggestions(llm.CleanJSON(raw))
	if err != nil {
		return nil, fmt.Errorf("suggest doctors: %w", err)
	}
	matched := lo.FilterMap(picks, func(s suggestion, _ int) (pkg.DoctorProfile, bool) {
		return catalog.LookupSpecialist(s.Specialist, s.ID)
	})
	matched = lo.UniqBy(matched, func(d pkg.DoctorProfile) int { return d.ID })
	return lo.Filter(matched, func(d pkg.DoctorProfile, _ int) bool { return e.Selectable(d) }), nil
}

// parseSuggestions accepts a bare array or an object wrapping one, since
// JSON mode models like to wrap arrays.
func parseSuggestions(raw string) ([]suggestion, error) {
	if raw == "" {
		return nil, errors.New("empty model response")
	}
	var picks []suggestion
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &picks); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return picks, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	for _, key := range []string{"doctors", "matches", "suggestions"} {
		if v, ok := wrapped[key]; ok {
			if err := json.Unmarshal(v, &picks); err != nil {
				return nil, fmt.Errorf("invalid json: %w", err)
			}
			return picks, nil
		}
	}
	// a single doctor object
	var one suggestion
	if err := json.Unmarshal([]byte(raw), &one); err == nil && (one.ID != 0 || one.Specialist != "") {
		return []suggestion{one}, nil
	}
	return nil, errors.New("no doctors in model response")
}
