package core

import (
	"regexp"
	"strings"
	"time"
)

// Section names a required part of a role response.
type Section string

const (
	SectionPerspective Section = "role_perspective"
	SectionActions     Section = "recommended_actions"
	SectionGrounding   Section = "grounding"
	SectionLimitations Section = "limitations"
)

// RequiredSections lists answer sections in render order.
var RequiredSections = []Section{SectionPerspective, SectionActions, SectionGrounding, SectionLimitations}

// Title is the heading used when rendering the section.
func (s Section) Title() string {
	switch s {
	case SectionPerspective:
		return "Role perspective"
	case SectionActions:
		return "Recommended actions"
	case SectionGrounding:
		return "Grounding"
	case SectionLimitations:
		return "Limitations"
	}
	return string(s)
}

// DraftResponse is one role's raw output before guardrails.
type DraftResponse struct {
	RoleID   string             `json:"role_id"`
	Sections map[Section]string `json:"sections"`
	// Citations are passage ids; only ids supplied to generation are kept.
	Citations []string `json:"citations,omitempty"`
	// Claims are the sentence-level assertions extracted from the sections.
	Claims     []string `json:"claims,omitempty"`
	Ungrounded bool     `json:"ungrounded"`
	Model      string   `json:"model,omitempty"`
}

// EntryKind is the shape of one bundle entry.
type EntryKind string

const (
	EntryAnswer      EntryKind = "answer"
	EntryReferral    EntryKind = "referral"
	EntryRefusal     EntryKind = "refusal"
	EntryUnavailable EntryKind = "unavailable"
)

// RenderedSection is a section after guardrails.
type RenderedSection struct {
	Name        Section `json:"name"`
	Text        string  `json:"text"`
	Placeholder bool    `json:"placeholder,omitempty"`
}

// Flag records a guardrail finding or repair.
type Flag struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// FinalResponse is one role's entry in the bundle.
type FinalResponse struct {
	RoleID          string            `json:"role_id"`
	DisplayName     string            `json:"display_name"`
	Kind            EntryKind         `json:"kind"`
	Decision        RoutingDecision   `json:"decision"`
	Sections        []RenderedSection `json:"sections,omitempty"`
	Notice          string            `json:"notice,omitempty"`
	Citations       []Citation        `json:"citations,omitempty"`
	CrossReferences []string          `json:"cross_references,omitempty"`
	Ungrounded      bool              `json:"ungrounded,omitempty"`
	ToneOK          bool              `json:"tone_ok"`
	Flags           []Flag            `json:"flags,omitempty"`
}

// Section returns the rendered text of name, or "".
func (f FinalResponse) Section(name Section) string {
	for _, s := range f.Sections {
		if s.Name == name {
			return s.Text
		}
	}
	return ""
}

// Bundle is the ordered multi-role reply for one turn.
type Bundle struct {
	TurnID               string          `json:"turn_id"`
	Entries              []FinalResponse `json:"entries"`
	SuppressedDuplicates int             `json:"suppressed_duplicates"`
	AssembledAt          time.Time       `json:"assembled_at"`
}

// Entry returns the entry for roleID.
func (b Bundle) Entry(roleID string) (FinalResponse, bool) {
	for _, e := range b.Entries {
		if e.RoleID == roleID {
			return e, true
		}
	}
	return FinalResponse{}, false
}

var sentenceBoundary = regexp.MustCompile(`[.!?;](\s+|$)|\n+`)

// SplitSentences segments text into trimmed sentence-level claims. Bullet
// markers are stripped.
func SplitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		end := loc[0]
		if text[loc[0]] != '\n' {
			end = loc[0] + 1
		}
		out = appendSentence(out, text[last:end])
		last = loc[1]
	}
	return appendSentence(out, text[last:])
}

func appendSentence(out []string, s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*• ")
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	return append(out, s)
}
