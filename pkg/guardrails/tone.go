// SPDX-License-Identifier: Apache-2.0
package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
)

// Flag check names.
const (
	CheckPlaceholder      = "structure.placeholder"
	CheckForbiddenPhrase  = "tone.forbidden_phrase"
	CheckSentenceLength   = "tone.sentence_length"
	CheckHedging          = "tone.hedging"
	CheckOverconfident    = "tone.overconfident"
	CheckFormality        = "tone.formality"
	CheckDroppedCitation  = "provenance.dropped_citation"
	CheckUngrounded       = "grounding.ungrounded"
	CheckIndexUnavailable = "grounding.index_unavailable"
	CheckPIIRedacted      = "pii.redacted"
	CheckCrossReferenced  = "duplicate.cross_referenced"
	CheckGenerationFailed = "generation.unavailable"
)

// ToneLexicon holds the word lists behind the tone checks.
type ToneLexicon struct {
	// Hedges signal appropriate uncertainty.
	Hedges []string `koanf:"hedges" yaml:"hedges"`
	// Absolutes signal certainty a hedging role should avoid.
	Absolutes []string `koanf:"absolutes" yaml:"absolutes"`
	// Jargon is flagged for roles writing in plain language.
	Jargon []string `koanf:"jargon" yaml:"jargon"`
	// Informal is flagged for roles writing in clinical language.
	Informal []string `koanf:"informal" yaml:"informal"`
}

// DefaultToneLexicon returns the built-in word lists.
func DefaultToneLexicon() ToneLexicon {
	return ToneLexicon{
		Hedges:    []string{"may", "might", "could", "consider", "likely", "possibly", "generally", "typically", "often", "suggest", "if appropriate", "where appropriate"},
		Absolutes: []string{"always", "never", "guaranteed", "definitely", "certainly", "without exception", "100%"},
		Jargon:    []string{"contraindicated", "pharmacokinetic", "titrate", "bioavailability", "hepatic", "renal clearance", "qid", "prn", "mme"},
		Informal:  []string{"gonna", "wanna", "kinda", "lol", "super easy", "no big deal", "totally"},
	}
}

// ToneChecker flags sections that break a role's style constraints.
type ToneChecker struct {
	hedges, absolutes, jargon, informal *regexp.Regexp
}

// NewToneChecker compiles lex.
func NewToneChecker(lex ToneLexicon) *ToneChecker {
	return &ToneChecker{
		hedges:    wordsPattern(lex.Hedges),
		absolutes: wordsPattern(lex.Absolutes),
		jargon:    wordsPattern(lex.Jargon),
		informal:  wordsPattern(lex.Informal),
	}
}

func wordsPattern(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
	}
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)(?:$|[^\pL\pN])`)
}

func firstMatch(re *regexp.Regexp, text string) (string, bool) {
	if re == nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// Check returns tone flags for the non-placeholder sections.
func (c *ToneChecker) Check(role core.RoleIdentity, sections []core.RenderedSection) []core.Flag {
	var flags []core.Flag
	var advice strings.Builder
	for _, s := range sections {
		if s.Placeholder {
			continue
		}
		lower := strings.ToLower(s.Text)
		for _, phrase := range role.Style.ForbiddenPhrases {
			if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
				flags = append(flags, core.Flag{Check: CheckForbiddenPhrase, Detail: fmt.Sprintf("%s: %q", s.Name, phrase)})
			}
		}
		if limit := role.Style.MaxSentenceWords; limit > 0 {
			for _, sentence := range core.SplitSentences(s.Text) {
				if n := len(strings.Fields(sentence)); n > limit {
					flags = append(flags, core.Flag{Check: CheckSentenceLength, Detail: fmt.Sprintf("%s: %d words exceeds %d", s.Name, n, limit)})
					break
				}
			}
		}
		switch role.Style.Formality {
		case core.FormalityPlain:
			if w, ok := firstMatch(c.jargon, s.Text); ok {
				flags = append(flags, core.Flag{Check: CheckFormality, Detail: fmt.Sprintf("%s: clinical jargon %q", s.Name, w)})
			}
		default:
			if w, ok := firstMatch(c.informal, s.Text); ok {
				flags = append(flags, core.Flag{Check: CheckFormality, Detail: fmt.Sprintf("%s: informal wording %q", s.Name, w)})
			}
		}
		if s.Name == core.SectionPerspective || s.Name == core.SectionActions {
			advice.WriteString(s.Text)
			advice.WriteString("\n")
		}
	}

	if role.Style.RequireHedging && advice.Len() > 0 {
		text := advice.String()
		if w, ok := firstMatch(c.absolutes, text); ok {
			flags = append(flags, core.Flag{Check: CheckOverconfident, Detail: fmt.Sprintf("absolute wording %q", w)})
		}
		if _, ok := firstMatch(c.hedges, text); !ok {
			flags = append(flags, core.Flag{Check: CheckHedging, Detail: "recommendations carry no uncertainty qualifiers"})
		}
	}
	return flags
}

// ToneOK reports whether flags contain no tone findings.
func ToneOK(flags []core.Flag) bool {
	for _, f := range flags {
		if strings.HasPrefix(f.Check, "tone.") {
			return false
		}
	}
	return true
}
