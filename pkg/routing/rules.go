// SPDX-License-Identifier: Apache-2.0
package routing

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/ipcollab/pkg/core"
)

// Category is a named set of patterns. High-risk categories carry the
// escalation target used for REFER.
type Category struct {
	ID       string   `yaml:"id"`
	Target   string   `yaml:"target,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`

	compiled []*regexp.Regexp
}

// Topic maps lexical cues to an intent topic used for scope checks.
type Topic struct {
	ID       string   `yaml:"id"`
	Keywords []string `yaml:"keywords,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`

	compiled []*regexp.Regexp
}

// ScenarioRule adds features when the scenario type tag matches Match.
type ScenarioRule struct {
	ID         string   `yaml:"id"`
	Match      string   `yaml:"match"`
	HighRisk   []string `yaml:"high_risk,omitempty"`
	OutOfScope []string `yaml:"out_of_scope,omitempty"`
	Topics     []string `yaml:"topics,omitempty"`

	g glob.Glob
}

// Rules is the routing rule set. Category order is precedence order.
type Rules struct {
	Version       string         `yaml:"version"`
	TriageTarget  string         `yaml:"triage_target"`
	HighRisk      []Category     `yaml:"high_risk"`
	OutOfScope    []Category     `yaml:"out_of_scope"`
	Topics        []Topic        `yaml:"topics"`
	ScenarioRules []ScenarioRule `yaml:"scenario_rules"`
}

// LoadRules reads a YAML rule set.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a YAML rule set.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	if err := r.Compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Compile validates the rule set and prepares its matchers.
func (r *Rules) Compile() error {
	if r.Version == "" {
		return fmt.Errorf("routing rules: version is required")
	}
	if r.TriageTarget == "" {
		r.TriageTarget = DefaultTriageTarget
	}
	for i := range r.HighRisk {
		if r.HighRisk[i].Target == "" {
			r.HighRisk[i].Target = r.TriageTarget
		}
		if err := r.HighRisk[i].compile(); err != nil {
			return err
		}
	}
	for i := range r.OutOfScope {
		if err := r.OutOfScope[i].compile(); err != nil {
			return err
		}
	}
	for i := range r.Topics {
		t := &r.Topics[i]
		re, err := compileMatchers(t.ID, t.Patterns, t.Keywords)
		if err != nil {
			return err
		}
		t.compiled = re
	}
	for i := range r.ScenarioRules {
		sr := &r.ScenarioRules[i]
		g, err := glob.Compile(sr.Match)
		if err != nil {
			return fmt.Errorf("scenario rule %s: %w", sr.ID, err)
		}
		sr.g = g
	}
	return nil
}

func (c *Category) compile() error {
	re, err := compileMatchers(c.ID, c.Patterns, c.Keywords)
	if err != nil {
		return err
	}
	c.compiled = re
	return nil
}

func compileMatchers(id string, patterns, keywords []string) ([]*regexp.Regexp, error) {
	if id == "" {
		return nil, fmt.Errorf("routing rules: entry without id")
	}
	out := make([]*regexp.Regexp, 0, len(patterns)+len(keywords))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%s: pattern %q: %w", id, p, err)
		}
		out = append(out, re)
	}
	for _, kw := range keywords {
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(strings.TrimSpace(kw))))
	}
	return out, nil
}

func matchesAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (r *Rules) highRisk(id string) (Category, bool) {
	i := slices.IndexFunc(r.HighRisk, func(c Category) bool { return c.ID == id })
	if i < 0 {
		return Category{}, false
	}
	return r.HighRisk[i], true
}

// Evaluate derives the decision for role. It is a pure function of its
// inputs: high risk first, then out of scope, then scope of practice. An
// out-of-scope request is refused by every role even when it also carries
// clinical topics.
func (r *Rules) Evaluate(q core.Query, role core.RoleIdentity, catalog []core.RoleIdentity, f core.RiskFeatures) core.RoutingDecision {
	d := core.RoutingDecision{TurnID: q.TurnID, RoleID: role.ID, Features: f}

	if len(f.HighRisk) > 0 {
		cat, ok := r.highRisk(f.HighRisk[0])
		d.Kind = core.DecisionRefer
		d.Reason = core.ReasonHighRisk
		d.RuleID = "high_risk:" + f.HighRisk[0]
		d.Target = r.TriageTarget
		if ok {
			d.Target = cat.Target
		}
		return d
	}

	if len(f.OutOfScope) > 0 {
		d.Kind = core.DecisionRefuse
		d.Reason = core.ReasonOutOfScope
		d.RuleID = "out_of_scope:" + f.OutOfScope[0]
		return d
	}

	if len(f.Topics) > 0 && role.Overlap(f.Topics) == 0 {
		d.Kind = core.DecisionRefer
		d.Reason = core.ReasonCrossRoleScope
		d.RuleID = "scope:" + role.ID
		d.Target = r.TriageTarget
		if target, ok := BestTarget(f.Topics, catalog, q.RoleIDs, role.ID); ok {
			d.Target = target
		}
		return d
	}

	d.Kind = core.DecisionAnswer
	d.RuleID = "answer"
	return d
}

// BestTarget picks the role whose scope best covers topics. Ties prefer
// roles in the current selection, then narrower scopes, then id order.
func BestTarget(topics []string, catalog []core.RoleIdentity, selection []string, exclude string) (string, bool) {
	type candidate struct {
		id       string
		overlap  int
		selected int
		spec     float64
	}
	var cands []candidate
	for _, r := range catalog {
		if r.ID == exclude {
			continue
		}
		n := r.Overlap(topics)
		if n == 0 {
			continue
		}
		sel := slices.Index(selection, r.ID)
		if sel < 0 {
			sel = len(selection)
		}
		cands = append(cands, candidate{id: r.ID, overlap: n, selected: sel, spec: r.Specificity()})
	}
	if len(cands) == 0 {
		return "", false
	}
	best := slices.MinFunc(cands, func(a, b candidate) int {
		if a.overlap != b.overlap {
			return b.overlap - a.overlap
		}
		if a.selected != b.selected {
			return a.selected - b.selected
		}
		if a.spec != b.spec {
			if a.spec > b.spec {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
	return best.id, true
}

// TopicsIn returns the ids of the topics whose cues appear in text, in
// rule order.
func (r *Rules) TopicsIn(text string) []string {
	var out []string
	for _, t := range r.Topics {
		if matchesAny(t.compiled, text) {
			out = append(out, t.ID)
		}
	}
	return out
}
