// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// PIIFilterMode determines how detected identifiers are replaced.
type PIIFilterMode int

const (
	// PIIFilterMask replaces identifiers with a typed placeholder such as "[EMAIL]".
	PIIFilterMask PIIFilterMode = iota
	// PIIFilterRedact removes identifiers.
	PIIFilterRedact
	// PIIFilterHash replaces identifiers with a stable short hash so repeated
	// mentions stay correlated.
	PIIFilterHash
)

// PIIType categorizes a patient or user identifier.
type PIIType string

const (
	PIITypeEmail         PIIType = "email"
	PIITypePhone         PIIType = "phone"
	PIITypeSSN           PIIType = "ssn"
	PIITypeMedicalRecord PIIType = "medical_record_number"
	PIITypeIPAddress     PIIType = "ip_address"
	PIITypeDateOfBirth   PIIType = "date_of_birth"
)

type piiPattern struct {
	piiType PIIType
	pattern *regexp.Regexp
	mask    string
}

// Order matters: medical record numbers and SSNs are matched before phones.
var defaultPIIPatterns = []piiPattern{
	{PIITypeMedicalRecord, regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[:#\s]*[0-9]{6,10}\b`), "[MRN]"},
	{PIITypeSSN, regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), "[SSN]"},
	{PIITypeEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{PIITypePhone, regexp.MustCompile(`(?:\+1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s][0-9]{3}[-.\s][0-9]{4}\b`), "[PHONE]"},
	{PIITypeIPAddress, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP_ADDRESS]"},
	{PIITypeDateOfBirth, regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)[:\s]*(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12][0-9]|3[01])[/-](?:19|20)[0-9]{2}\b`), "[DOB]"},
}

// PIIFilter masks identifiers in generated text.
type PIIFilter struct {
	mode     PIIFilterMode
	patterns []piiPattern
	enabled  map[PIIType]bool
}

// PIIFilterOption configures a PIIFilter.
type PIIFilterOption func(*PIIFilter)

// NewPIIFilter creates a filter with every default type enabled.
func NewPIIFilter(mode PIIFilterMode, opts ...PIIFilterOption) *PIIFilter {
	f := &PIIFilter{
		mode:     mode,
		patterns: append([]piiPattern(nil), defaultPIIPatterns...),
		enabled:  make(map[PIIType]bool),
	}
	for _, p := range f.patterns {
		f.enabled[p.piiType] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithPIITypes enables only the listed types.
func WithPIITypes(types ...PIIType) PIIFilterOption {
	return func(f *PIIFilter) {
		for k := range f.enabled {
			f.enabled[k] = false
		}
		for _, t := range types {
			f.enabled[t] = true
		}
	}
}

// WithCustomPIIPattern adds a pattern. Invalid patterns are ignored.
func WithCustomPIIPattern(piiType PIIType, pattern, mask string) PIIFilterOption {
	return func(f *PIIFilter) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return
		}
		f.patterns = append(f.patterns, piiPattern{piiType: piiType, pattern: re, mask: mask})
		f.enabled[piiType] = true
	}
}

// ID implements OutputFilter.
func (f *PIIFilter) ID() string { return "pii-filter" }

// FilterOutput replaces every enabled identifier in output.
func (f *PIIFilter) FilterOutput(ctx context.Context, output string) FilterResult {
	res := FilterResult{Content: output}
	if output == "" {
		return res
	}
	for _, p := range f.patterns {
		if !f.enabled[p.piiType] || ctx.Err() != nil {
			continue
		}
		matches := p.pattern.FindAllStringIndex(res.Content, -1)
		// Replace back to front so earlier offsets stay valid.
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			replacement := f.replacement(p, res.Content[m[0]:m[1]])
			res.Redactions = append(res.Redactions, Redaction{
				Type:        string(p.piiType),
				Replacement: replacement,
				Position:    m[0],
			})
			res.Content = res.Content[:m[0]] + replacement + res.Content[m[1]:]
			res.Modified = true
		}
	}
	return res
}

func (f *PIIFilter) replacement(p piiPattern, original string) string {
	switch f.mode {
	case PIIFilterRedact:
		return ""
	case PIIFilterHash:
		h := fnv.New64a()
		h.Write([]byte(original))
		return fmt.Sprintf("%s_%08X]", strings.TrimSuffix(p.mask, "]"), h.Sum64()>>32)
	default:
		return p.mask
	}
}

// CheckInput blocks input carrying an enabled identifier type.
func (f *PIIFilter) CheckInput(ctx context.Context, input string) CheckResult {
	for _, p := range f.patterns {
		if !f.enabled[p.piiType] || ctx.Err() != nil {
			continue
		}
		if p.pattern.MatchString(input) {
			return CheckResult{
				Blocked:    true,
				Reason:     "identifier detected in input: " + string(p.piiType),
				Confidence: 1,
				Metadata:   map[string]any{"pii_type": string(p.piiType)},
			}
		}
	}
	return CheckResult{}
}
