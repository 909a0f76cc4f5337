// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/llm"
)

// Scenario types used to tag guideline passages.
const (
	ScenarioOverdoseResponse     = "opioid_overdose_response"
	ScenarioInitiation           = "opioid_initiation_and_prescribing"
	ScenarioTapering             = "opioid_tapering_and_withdrawal_management"
	ScenarioUseDisorderScreening = "opioid_use_disorder_screening_and_referral"
	ScenarioChronicPain          = "opioid_chronic_pain_management_and_monitoring"
	ScenarioGeneral              = "general_opioid_information"
)

// ScenarioTypes lists the detectable scenario types; ScenarioGeneral is
// the fallback and is never offered to a detector.
var ScenarioTypes = []string{
	ScenarioOverdoseResponse,
	ScenarioInitiation,
	ScenarioTapering,
	ScenarioUseDisorderScreening,
	ScenarioChronicPain,
}

// ScenarioDetector assigns a scenario type to an untagged chunk. It never
// fails: undetectable text is ScenarioGeneral.
type ScenarioDetector interface {
	Detect(ctx context.Context, text string) string
}

// LLMScenarioDetector asks a language model to pick a scenario type.
type LLMScenarioDetector struct {
	Provider llm.Provider
	Model    string
	Logger   *slog.Logger
}

// Detect classifies text. Exact answers win, then the first scenario type
// contained in the answer, then ScenarioGeneral.
func (d *LLMScenarioDetector) Detect(ctx context.Context, text string) string {
	var b strings.Builder
	b.WriteString("Analyze this text chunk and classify it into ONE of these opioid-related scenario types:\n\n")
	for i, st := range ScenarioTypes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, st)
	}
	fmt.Fprintf(&b, "\nText chunk:\n%s\n\nRespond with ONLY the scenario type identifier. No explanation.", text)

	resp, err := d.Provider.Chat(ctx, llm.ChatRequest{
		Model:    d.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Tag:      "scenario_detector",
	})
	if err != nil {
		d.logger().Warn("scenario detection failed", "error", err)
		return ScenarioGeneral
	}
	return MatchScenario(resp.Content)
}

func (d *LLMScenarioDetector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// MatchScenario maps a free-form classifier answer to a scenario type.
func MatchScenario(answer string) string {
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, st := range ScenarioTypes {
		if answer == st {
			return st
		}
	}
	for _, st := range ScenarioTypes {
		if strings.Contains(answer, st) {
			return st
		}
	}
	return ScenarioGeneral
}

// KeywordScenarioDetector is an offline detector scoring keyword hits.
type KeywordScenarioDetector struct {
	Keywords map[string][]string
}

// NewKeywordScenarioDetector returns a detector with the default lexicon.
func NewKeywordScenarioDetector() *KeywordScenarioDetector {
	return &KeywordScenarioDetector{Keywords: map[string][]string{
		ScenarioOverdoseResponse:     {"overdose", "naloxone", "narcan", "respiratory depression", "unresponsive"},
		ScenarioInitiation:           {"initiat", "prescrib", "starting dose", "first prescription", "immediate-release", "acute pain"},
		ScenarioTapering:             {"taper", "withdrawal", "discontinu", "dose reduction", "wean"},
		ScenarioUseDisorderScreening: {"opioid use disorder", "oud", "screening", "buprenorphine", "methadone", "referral", "addiction"},
		ScenarioChronicPain:          {"chronic pain", "monitoring", "urine drug", "pdmp", "long-term", "functional goals"},
	}}
}

// Detect returns the scenario type with the most keyword hits. Ties go to
// the earlier type in ScenarioTypes.
func (d *KeywordScenarioDetector) Detect(_ context.Context, text string) string {
	lower := strings.ToLower(text)
	best, bestHits := ScenarioGeneral, 0
	for _, st := range ScenarioTypes {
		hits := 0
		for _, kw := range d.Keywords[st] {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best, bestHits = st, hits
		}
	}
	return best
}

// Distribution counts passages per scenario type.
type Distribution struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

// Share returns the fraction of passages tagged with scenario.
func (d Distribution) Share(scenario string) float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Counts[scenario]) / float64(d.Total)
}

// Scenarios returns the scenario types present, sorted.
func (d Distribution) Scenarios() []string {
	out := make([]string, 0, len(d.Counts))
	for s := range d.Counts {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ScenarioDistribution counts each passage once per scenario tag.
// Untagged passages count as ScenarioGeneral.
func ScenarioDistribution(passages []core.Passage) Distribution {
	d := Distribution{Counts: make(map[string]int)}
	for _, p := range passages {
		d.Total++
		if len(p.ScenarioTags) == 0 {
			d.Counts[ScenarioGeneral]++
			continue
		}
		for _, t := range p.ScenarioTags {
			d.Counts[t]++
		}
	}
	return d
}
