package core

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Formality is the register a role is expected to write in.
type Formality string

const (
	FormalityClinical Formality = "clinical"
	FormalityPlain    Formality = "plain"
)

// StyleConstraints describe how a role is expected to sound.
type StyleConstraints struct {
	Formality        Formality `yaml:"formality" json:"formality"`
	RequireHedging   bool      `yaml:"require_hedging" json:"require_hedging"`
	ForbiddenPhrases []string  `yaml:"forbidden_phrases" json:"forbidden_phrases,omitempty"`
	MaxSentenceWords int       `yaml:"max_sentence_words" json:"max_sentence_words,omitempty"`
}

// RoleIdentity is the persona, scope of practice and style of one
// professional role. A turn works on a snapshot; registry edits apply to
// later turns only.
type RoleIdentity struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Persona     string `yaml:"persona" json:"persona"`
	// Scope is a one-line scope-of-practice summary used in prompts and
	// for claim ownership.
	Scope string `yaml:"scope" json:"scope"`
	// Topics are the intent topics the role may answer.
	Topics []string `yaml:"topics" json:"topics"`
	// KnowledgeTags are the source tags the role may retrieve from.
	KnowledgeTags []string         `yaml:"knowledge_tags" json:"knowledge_tags"`
	Style         StyleConstraints `yaml:"style" json:"style"`
	Version       int              `yaml:"-" json:"version"`
	UpdatedAt     time.Time        `yaml:"-" json:"updated_at"`
}

var roleIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

// Validate checks the identity is usable by routing and generation.
func (r RoleIdentity) Validate() error {
	if !roleIDPattern.MatchString(r.ID) {
		return fmt.Errorf("role id %q must match %s", r.ID, roleIDPattern)
	}
	if r.DisplayName == "" {
		return fmt.Errorf("role %s: display_name is required", r.ID)
	}
	if len(r.Topics) == 0 {
		return fmt.Errorf("role %s: at least one topic is required", r.ID)
	}
	switch r.Style.Formality {
	case "", FormalityClinical, FormalityPlain:
	default:
		return fmt.Errorf("role %s: unknown formality %q", r.ID, r.Style.Formality)
	}
	return nil
}

// Covers reports whether topic is within the role's scope of practice.
func (r RoleIdentity) Covers(topic string) bool {
	return slices.Contains(r.Topics, topic)
}

// Overlap counts how many of topics the role covers.
func (r RoleIdentity) Overlap(topics []string) int {
	n := 0
	for _, t := range topics {
		if r.Covers(t) {
			n++
		}
	}
	return n
}

// Specificity is higher for narrower scopes. A role permitted a single topic
// is maximally specific.
func (r RoleIdentity) Specificity() float64 {
	if len(r.Topics) == 0 {
		return 0
	}
	return 1 / float64(len(r.Topics))
}

// Name returns the display name, falling back to the id.
func (r RoleIdentity) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// Clone returns a deep copy so snapshots do not share slices with the registry.
func (r RoleIdentity) Clone() RoleIdentity {
	out := r
	out.Topics = slices.Clone(r.Topics)
	out.KnowledgeTags = slices.Clone(r.KnowledgeTags)
	out.Style.ForbiddenPhrases = slices.Clone(r.Style.ForbiddenPhrases)
	return out
}
