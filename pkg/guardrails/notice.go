// SPDX-License-Identifier: Apache-2.0
package guardrails

import (
	"fmt"
	"strings"

	"github.com/jllopis/ipcollab/pkg/core"
)

// UnavailableNotice replaces a role whose generation failed or timed out.
const UnavailableNotice = "Unable to generate a grounded response; consider asking a human expert in this field."

// DefaultTargetLabels names the non-role escalation targets.
func DefaultTargetLabels() map[string]string {
	return map[string]string{
		"crisis_resource":                 "a crisis resource such as the 988 Suicide & Crisis Lifeline, or emergency services if there is immediate danger",
		"emergency_services":              "emergency services (call 911 or the local emergency number)",
		"controlled_substance_specialist": "a controlled-substance or addiction medicine specialist",
		"general_triage":                  "a general triage clinician",
	}
}

// targetLabel names target for a notice. Role targets use the role's
// display name from catalog.
func targetLabel(target string, labels map[string]string, catalog []core.RoleIdentity) string {
	if l, ok := labels[target]; ok {
		return l
	}
	for _, r := range catalog {
		if r.ID == target {
			return "the " + r.Name()
		}
	}
	if target == "" {
		return labels["general_triage"]
	}
	return strings.ReplaceAll(target, "_", " ")
}

// ReferralNotice renders a REFER decision for role.
func ReferralNotice(role core.RoleIdentity, d core.RoutingDecision, label string) string {
	switch d.Reason {
	case core.ReasonHighRisk:
		return fmt.Sprintf("This situation may need urgent help beyond what the %s perspective can safely offer here. Please contact %s.", role.Name(), label)
	case core.ReasonCrossRoleScope:
		return fmt.Sprintf("This question falls outside the %s's scope of practice. Please consult %s.", role.Name(), label)
	case core.ReasonClassifierUnavailable:
		return fmt.Sprintf("This scenario could not be safely assessed right now, so the %s will not answer it. Please consult %s.", role.Name(), label)
	default:
		return fmt.Sprintf("The %s is referring this scenario. Please consult %s.", role.Name(), label)
	}
}

// RefusalNotice renders a REFUSE decision for role.
func RefusalNotice(role core.RoleIdentity, d core.RoutingDecision) string {
	if d.Reason == core.ReasonOutOfScope {
		return fmt.Sprintf("The %s cannot help with this request because it is outside the scope of healthcare practice. Please consult a qualified professional in that field.", role.Name())
	}
	return fmt.Sprintf("The %s cannot respond to this request.", role.Name())
}

// CrossReference is the text that replaces a claim owned by another role.
func CrossReference(owner core.RoleIdentity) string {
	return fmt.Sprintf("See %s's perspective.", owner.Name())
}
