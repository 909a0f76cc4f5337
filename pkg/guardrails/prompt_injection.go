// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"regexp"
)

// Scenario text is passed verbatim into every role prompt, so instruction
// overrides and role hijacking are rejected before routing.
var defaultInjectionPatterns = []string{
	`(?i)(ignore|disregard|forget|override)\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|guidelines?)`,
	`(?i)you\s+are\s+(now|no\s+longer)\s+`,
	`(?i)pretend\s+(you\s+are|to\s+be)\s+`,
	`(?i)roleplay\s+as\s+`,
	`(?i)(what|show|reveal|print|display)\s+(is\s+|are\s+|me\s+)?your\s+(system\s+)?(prompt|instructions?)`,
	`(?i)do\s+anything\s+now`,
	`(?i)\bDAN\s+mode`,
	`(?i)jailbreak`,
	`(?i)bypass\s+(safety|content|filter|guardrails?)`,
	`(?i)(developer|debug|sudo|admin)\s+mode`,
	`(?i)without\s+(any\s+)?(safety|restrictions|disclaimers)`,
	`(?i)\]\]\s*system\s*:`,
	`(?i)<\|.*\|>`,
	`(?i)\[/?INST\]`,
	`(?i)<</?SYS>>`,
}

// PromptInjectionDetector flags scenarios that try to rewrite the role
// prompt instead of describing a clinical situation.
type PromptInjectionDetector struct {
	patterns  []*regexp.Regexp
	threshold float64
}

// PromptInjectionOption configures the detector.
type PromptInjectionOption func(*PromptInjectionDetector)

// NewPromptInjectionDetector returns a detector that blocks on any match.
func NewPromptInjectionDetector(opts ...PromptInjectionOption) *PromptInjectionDetector {
	d := &PromptInjectionDetector{}
	for _, p := range defaultInjectionPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithInjectionPatterns adds patterns. Invalid patterns are ignored.
func WithInjectionPatterns(patterns ...string) PromptInjectionOption {
	return func(d *PromptInjectionDetector) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				d.patterns = append(d.patterns, re)
			}
		}
	}
}

// WithInjectionThreshold sets the minimum confidence that blocks. A single
// match scores 0.7 and each further match adds 0.1.
func WithInjectionThreshold(threshold float64) PromptInjectionOption {
	return func(d *PromptInjectionDetector) {
		if threshold >= 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

// ID implements InputChecker.
func (d *PromptInjectionDetector) ID() string { return "prompt-injection" }

// CheckInput scores input by the number of matching patterns.
func (d *PromptInjectionDetector) CheckInput(ctx context.Context, input string) CheckResult {
	var matched []string
	for _, re := range d.patterns {
		if ctx.Err() != nil {
			break
		}
		if re.MatchString(input) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) == 0 {
		return CheckResult{}
	}
	confidence := min(0.7+0.1*float64(len(matched)-1), 1.0)
	if confidence < d.threshold {
		return CheckResult{Confidence: confidence}
	}
	return CheckResult{
		Blocked:    true,
		Reason:     "scenario contains prompt manipulation",
		Confidence: confidence,
		Metadata:   map[string]any{"matched_patterns": matched},
	}
}
