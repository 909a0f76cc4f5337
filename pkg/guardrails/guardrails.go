// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails turns per-role drafts and routing decisions into the
// final response bundle.
//
// It runs at two points of a turn:
//   - Input: a Screen rejects malformed or manipulative scenarios before routing.
//   - Output: the Assembler repairs structure, checks tone and provenance,
//     suppresses cross-role duplicate claims and renders referral notices.
//
// Example usage:
//
//	screen := guardrails.NewScreen(
//	    guardrails.WithInputChecker(guardrails.NewPromptInjectionDetector()),
//	    guardrails.WithOutputFilter(guardrails.NewPIIFilter(guardrails.PIIFilterMask)),
//	)
//	asm := guardrails.NewAssembler(guardrails.WithScreen(screen))
//	bundle := asm.Assemble(ctx, turn)
package guardrails

import "context"

// CheckResult is the outcome of an input check.
type CheckResult struct {
	Blocked     bool
	Reason      string
	GuardrailID string
	// Confidence is the detection confidence in [0, 1].
	Confidence float64
	Metadata   map[string]any
}

// FilterResult is the outcome of output filtering.
type FilterResult struct {
	Content    string
	Modified   bool
	Redactions []Redaction
}

// Redaction describes one masked span. The original text is never kept.
type Redaction struct {
	Type        string
	Replacement string
	Position    int
}

// InputChecker validates a scenario before it reaches routing.
type InputChecker interface {
	CheckInput(ctx context.Context, input string) CheckResult
	ID() string
}

// OutputFilter rewrites final response text.
type OutputFilter interface {
	FilterOutput(ctx context.Context, output string) FilterResult
	ID() string
}

// Screen runs input checkers and output filters in registration order.
type Screen struct {
	inputCheckers []InputChecker
	outputFilters []OutputFilter
	failOpen      bool
}

// ScreenOption configures a Screen.
type ScreenOption func(*Screen)

// NewScreen creates a Screen. It fails closed unless WithFailOpen is set.
func NewScreen(opts ...ScreenOption) *Screen {
	s := &Screen{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithInputChecker adds an input checker.
func WithInputChecker(c InputChecker) ScreenOption {
	return func(s *Screen) { s.inputCheckers = append(s.inputCheckers, c) }
}

// WithOutputFilter adds an output filter.
func WithOutputFilter(f OutputFilter) ScreenOption {
	return func(s *Screen) { s.outputFilters = append(s.outputFilters, f) }
}

// WithFailOpen lets input through when the context ends mid-check.
func WithFailOpen(failOpen bool) ScreenOption {
	return func(s *Screen) { s.failOpen = failOpen }
}

// CheckInput returns the first blocking result, or an unblocked result.
func (s *Screen) CheckInput(ctx context.Context, input string) CheckResult {
	if s == nil {
		return CheckResult{}
	}
	for _, c := range s.inputCheckers {
		if ctx.Err() != nil {
			if s.failOpen {
				return CheckResult{}
			}
			return CheckResult{Blocked: true, Reason: "input check canceled", GuardrailID: "screen"}
		}
		if res := c.CheckInput(ctx, input); res.Blocked {
			res.GuardrailID = c.ID()
			return res
		}
	}
	return CheckResult{}
}

// FilterOutput chains every output filter over output.
func (s *Screen) FilterOutput(ctx context.Context, output string) FilterResult {
	res := FilterResult{Content: output}
	if s == nil {
		return res
	}
	for _, f := range s.outputFilters {
		if ctx.Err() != nil {
			return res
		}
		fr := f.FilterOutput(ctx, res.Content)
		if fr.Modified {
			res.Content = fr.Content
			res.Modified = true
			res.Redactions = append(res.Redactions, fr.Redactions...)
		}
	}
	return res
}
