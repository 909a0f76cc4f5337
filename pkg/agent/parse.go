// SPDX-License-Identifier: Apache-2.0
package agent

import (
	"encoding/json"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
)

type draftPayload struct {
	RolePerspective    json.RawMessage `json:"role_perspective"`
	RecommendedActions json.RawMessage `json:"recommended_actions"`
	Grounding          json.RawMessage `json:"grounding"`
	Limitations        json.RawMessage `json:"limitations"`
	Citations          []string        `json:"citations"`
}

// ParseDraft converts generated content into a draft. Content that is not
// a JSON object becomes the role perspective section. Citations outside
// passages are dropped.
func ParseDraft(content string, passages []core.Passage) core.DraftResponse {
	draft := core.DraftResponse{
		Sections:   make(map[core.Section]string),
		Ungrounded: len(passages) == 0,
	}

	var payload draftPayload
	if obj := extractObject(content); obj == "" || json.Unmarshal([]byte(obj), &payload) != nil {
		draft.Sections[core.SectionPerspective] = strings.TrimSpace(content)
	} else {
		setSection(draft.Sections, core.SectionPerspective, payload.RolePerspective)
		setSection(draft.Sections, core.SectionActions, payload.RecommendedActions)
		setSection(draft.Sections, core.SectionGrounding, payload.Grounding)
		setSection(draft.Sections, core.SectionLimitations, payload.Limitations)
		draft.Citations = filterCitations(payload.Citations, passages)
	}

	for _, s := range []core.Section{core.SectionPerspective, core.SectionActions} {
		draft.Claims = append(draft.Claims, core.SplitSentences(draft.Sections[s])...)
	}
	return draft
}

// extractObject returns the outermost {...} span, tolerating code fences
// and prose around it.
func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// setSection accepts a string or a list of strings.
func setSection(sections map[core.Section]string, name core.Section, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s = strings.TrimSpace(s); s != "" {
			sections[name] = s
		}
		return
	}
	var items []string
	if json.Unmarshal(raw, &items) == nil {
		var lines []string
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				lines = append(lines, "- "+item)
			}
		}
		if len(lines) > 0 {
			sections[name] = strings.Join(lines, "\n")
		}
	}
}

func filterCitations(cited []string, passages []core.Passage) []string {
	if len(passages) == 0 {
		return nil
	}
	known := make(map[string]bool, len(passages))
	for _, p := range passages {
		known[p.ID] = true
	}
	seen := make(map[string]bool, len(cited))
	var out []string
	for _, id := range cited {
		id = strings.Trim(strings.TrimSpace(id), "[]")
		if known[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
