// SPDX-License-Identifier: Apache-2.0
package agent

import (
	"fmt"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/llm"
)

// BuildMessages renders the system and user messages for role. Every
// role-specific instruction comes from the RoleIdentity record.
func BuildMessages(role core.RoleIdentity, q core.Query, passages []core.Passage) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(role, len(passages) > 0)},
		{Role: llm.RoleUser, Content: userPrompt(q, passages)},
	}
}

func systemPrompt(role core.RoleIdentity, grounded bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on an interprofessional care team.\n", role.Name())
	if role.Persona != "" {
		b.WriteString(role.Persona + "\n")
	}
	if role.Scope != "" {
		fmt.Fprintf(&b, "Scope of practice: %s\n", role.Scope)
	}
	if len(role.Topics) > 0 {
		fmt.Fprintf(&b, "Only address these topics: %s.\n", strings.Join(role.Topics, ", "))
	}

	b.WriteString("\nStyle:\n")
	switch role.Style.Formality {
	case core.FormalityPlain:
		b.WriteString("- Use plain language a patient or caregiver could follow.\n")
	default:
		b.WriteString("- Use precise clinical language.\n")
	}
	if role.Style.RequireHedging {
		b.WriteString("- Qualify recommendations with appropriate uncertainty (for example \"may\", \"consider\").\n")
	}
	if role.Style.MaxSentenceWords > 0 {
		fmt.Fprintf(&b, "- Keep sentences under %d words.\n", role.Style.MaxSentenceWords)
	}
	if len(role.Style.ForbiddenPhrases) > 0 {
		fmt.Fprintf(&b, "- Never use these phrases: %s.\n", strings.Join(role.Style.ForbiddenPhrases, "; "))
	}

	b.WriteString("\nGrounding:\n")
	if grounded {
		b.WriteString("- Base every statement on the numbered passages and cite them by id.\n")
		b.WriteString("- Never cite anything that is not in the passage list.\n")
	} else {
		b.WriteString("- No reference passages are available. Say so in the grounding section and cite nothing.\n")
	}

	b.WriteString("\nRespond with a single JSON object with these string fields: ")
	for i, s := range core.RequiredSections {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", string(s))
	}
	b.WriteString(`, and "citations" (an array of passage ids).`)
	return b.String()
}

func userPrompt(q core.Query, passages []core.Passage) string {
	var b strings.Builder
	if q.Scenario.Type != "" {
		fmt.Fprintf(&b, "Scenario type: %s\n", q.Scenario.Type)
	}
	if q.Profile.Credential != "" || q.Profile.ExperienceLevel != "" {
		fmt.Fprintf(&b, "Asked by: %s %s\n", q.Profile.ExperienceLevel, q.Profile.Credential)
	}
	fmt.Fprintf(&b, "Scenario:\n%s\n", q.Scenario.Text)

	if len(passages) > 0 {
		b.WriteString("\nPassages:\n")
		for _, p := range passages {
			title := p.Citation.Title
			if title == "" {
				title = p.SourceID
			}
			fmt.Fprintf(&b, "[%s] (%s) %s\n", p.ID, title, p.Text)
		}
	}
	return b.String()
}
