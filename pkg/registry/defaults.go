// SPDX-License-Identifier: Apache-2.0
package registry

import "github.com/jllopis/ipcollab/pkg/core"

// Intent topics shared by the default roles and the default routing rules.
const (
	TopicPrescribing           = "prescribing"
	TopicDispensing            = "medication_dispensing"
	TopicDrugInteractions      = "drug_interactions"
	TopicDiagnosis             = "diagnosis"
	TopicPainManagement        = "pain_management"
	TopicOverdoseResponse      = "overdose_response"
	TopicSubstanceUseTreatment = "substance_use_treatment"
	TopicNursingCare           = "nursing_care"
	TopicPatientEducation      = "patient_education"
	TopicPsychosocialSupport   = "psychosocial_support"
	TopicCareCoordination      = "care_coordination"
	TopicSurgicalProcedure     = "surgical_procedure"
	TopicPerioperativeCare     = "perioperative_care"
)

// DefaultRoles returns the built-in interprofessional team.
func DefaultRoles() []core.RoleIdentity {
	return []core.RoleIdentity{
		{
			ID:          "physician",
			DisplayName: "Physician",
			Persona:     "an attending physician in primary care with addiction medicine experience",
			Scope:       "diagnosis, prescribing decisions, opioid therapy initiation, tapering and treatment planning",
			Topics: []string{TopicPrescribing, TopicDiagnosis, TopicPainManagement,
				TopicOverdoseResponse, TopicSubstanceUseTreatment, TopicCareCoordination},
			KnowledgeTags: []string{"physician", "general"},
			Style:         core.StyleConstraints{Formality: core.FormalityClinical, MaxSentenceWords: 45},
		},
		{
			ID:            "pharmacist",
			DisplayName:   "Pharmacist",
			Persona:       "a community pharmacist who verifies and dispenses controlled substances",
			Scope:         "dispensing, refill timing, prescription monitoring, drug interactions and naloxone counseling",
			Topics:        []string{TopicDispensing, TopicDrugInteractions, TopicOverdoseResponse, TopicPatientEducation},
			KnowledgeTags: []string{"pharmacist", "general"},
			Style:         core.StyleConstraints{Formality: core.FormalityClinical, MaxSentenceWords: 40},
		},
		{
			ID:          "nurse",
			DisplayName: "Nurse",
			Persona:     "a registered nurse working in a federally qualified health center",
			Scope:       "patient monitoring, nursing assessment, medication administration and patient education",
			Topics: []string{TopicNursingCare, TopicPatientEducation, TopicOverdoseResponse,
				TopicPainManagement, TopicCareCoordination},
			KnowledgeTags: []string{"nurse", "general"},
			Style:         core.StyleConstraints{Formality: core.FormalityPlain, RequireHedging: true},
		},
		{
			ID:            "social_worker",
			DisplayName:   "Social Worker",
			Persona:       "a clinical social worker supporting patients with substance use disorder",
			Scope:         "psychosocial assessment, housing and insurance barriers, recovery support and referrals",
			Topics:        []string{TopicPsychosocialSupport, TopicCareCoordination, TopicSubstanceUseTreatment},
			KnowledgeTags: []string{"social_worker", "general"},
			Style:         core.StyleConstraints{Formality: core.FormalityPlain, RequireHedging: true},
		},
		{
			ID:            "surgeon",
			DisplayName:   "Surgeon",
			Persona:       "a general surgeon responsible for operative and perioperative care",
			Scope:         "surgical technique, operative planning and perioperative pain control",
			Topics:        []string{TopicSurgicalProcedure, TopicPerioperativeCare, TopicPainManagement},
			KnowledgeTags: []string{"surgeon", "general"},
			Style:         core.StyleConstraints{Formality: core.FormalityClinical, MaxSentenceWords: 40},
		},
	}
}
