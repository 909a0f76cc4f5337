package core

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxScenarioLength bounds scenario text in characters.
const DefaultMaxScenarioLength = 8000

// Scenario is the clinical situation a user submits.
type Scenario struct {
	Text string `json:"text"`
	// Type is an optional scenario-type tag, for example
	// "opioid_tapering_and_withdrawal_management" or "self_harm_risk".
	Type string `json:"type,omitempty"`
}

// UserProfile is an externally owned profile consumed read-only.
type UserProfile struct {
	Ref             string `json:"ref,omitempty"`
	Credential      string `json:"credential,omitempty"`
	ExperienceLevel string `json:"experience_level,omitempty"`
}

// Query is one submission: a scenario plus the ordered role selection.
type Query struct {
	TurnID   string      `json:"turn_id"`
	Scenario Scenario    `json:"scenario"`
	RoleIDs  []string    `json:"role_ids"`
	Profile  UserProfile `json:"profile"`
}

// Validate rejects malformed submissions. maxLen <= 0 uses the default.
func (q Query) Validate(maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxScenarioLength
	}
	text := strings.TrimSpace(q.Scenario.Text)
	if text == "" {
		return fmt.Errorf("scenario text is empty")
	}
	if n := utf8.RuneCountInString(text); n > maxLen {
		return fmt.Errorf("scenario text has %d characters, limit is %d", n, maxLen)
	}
	if len(q.RoleIDs) == 0 {
		return fmt.Errorf("at least one role must be selected")
	}
	seen := make(map[string]struct{}, len(q.RoleIDs))
	for _, id := range q.RoleIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("role ids must not be blank")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("role %s selected more than once", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
