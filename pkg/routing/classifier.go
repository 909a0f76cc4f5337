// SPDX-License-Identifier: Apache-2.0
// Package routing gates each selected role with an ANSWER, REFER or REFUSE
// decision before any retrieval or generation happens.
package routing

import (
	"context"
	"slices"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

// Classifier extracts risk features from a query.
type Classifier interface {
	Classify(ctx context.Context, q core.Query) (core.RiskFeatures, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, q core.Query) (core.RiskFeatures, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, q core.Query) (core.RiskFeatures, error) {
	return f(ctx, q)
}

// RuleClassifier matches scenario text and type against a rule set.
type RuleClassifier struct {
	rules *Rules
}

// NewRuleClassifier returns a classifier over rules.
func NewRuleClassifier(rules *Rules) *RuleClassifier {
	return &RuleClassifier{rules: rules}
}

// Classify returns features with categories in rule order and topics sorted.
func (c *RuleClassifier) Classify(ctx context.Context, q core.Query) (core.RiskFeatures, error) {
	if err := ctx.Err(); err != nil {
		return core.RiskFeatures{}, errors.ClassifierUnavailable(err)
	}
	if c.rules == nil {
		return core.RiskFeatures{}, errors.ClassifierUnavailable(nil).WithContext("reason", "no rules loaded")
	}

	text := strings.ToLower(q.Scenario.Text)
	scenarioType := strings.ToLower(strings.TrimSpace(q.Scenario.Type))

	highRisk := map[string]bool{}
	outOfScope := map[string]bool{}
	topics := map[string]bool{}

	for _, cat := range c.rules.HighRisk {
		if matchesAny(cat.compiled, text) {
			highRisk[cat.ID] = true
		}
	}
	for _, cat := range c.rules.OutOfScope {
		if matchesAny(cat.compiled, text) {
			outOfScope[cat.ID] = true
		}
	}
	for _, t := range c.rules.Topics {
		if matchesAny(t.compiled, text) {
			topics[t.ID] = true
		}
	}
	if scenarioType != "" {
		for _, sr := range c.rules.ScenarioRules {
			if !sr.g.Match(scenarioType) {
				continue
			}
			for _, id := range sr.HighRisk {
				highRisk[id] = true
			}
			for _, id := range sr.OutOfScope {
				outOfScope[id] = true
			}
			for _, id := range sr.Topics {
				topics[id] = true
			}
		}
	}

	f := core.RiskFeatures{
		ScenarioType:      q.Scenario.Type,
		Credential:        q.Profile.Credential,
		ClassifierVersion: c.rules.Version,
	}
	for _, cat := range c.rules.HighRisk {
		if highRisk[cat.ID] {
			f.HighRisk = append(f.HighRisk, cat.ID)
		}
	}
	for _, cat := range c.rules.OutOfScope {
		if outOfScope[cat.ID] {
			f.OutOfScope = append(f.OutOfScope, cat.ID)
		}
	}
	for id := range topics {
		f.Topics = append(f.Topics, id)
	}
	slices.Sort(f.Topics)
	return f, nil
}
