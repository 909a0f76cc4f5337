// SPDX-License-Identifier: Apache-2.0
package routing

import "github.com/jllopis/ipcollab/pkg/registry"

// Escalation targets used by the default rules.
const (
	DefaultTriageTarget          = "general_triage"
	TargetCrisisResource         = "crisis_resource"
	TargetEmergencyServices      = "emergency_services"
	TargetControlledSubstanceSpc = "controlled_substance_specialist"
)

// Category ids used by the default rules.
const (
	CategorySelfHarm        = "self_harm"
	CategoryAcuteEmergency  = "acute_emergency"
	CategoryDiversion       = "diversion"
	CategoryLegal           = "legal"
	CategoryFinancial       = "financial"
	CategoryNonClinicalTask = "non_clinical_task"
)

// DefaultRules returns the built-in compiled rule set.
func DefaultRules() *Rules {
	r := &Rules{
		Version:      "rules-2026.10",
		TriageTarget: DefaultTriageTarget,
		HighRisk: []Category{
			{
				ID:     CategorySelfHarm,
				Target: TargetCrisisResource,
				Patterns: []string{
					`suicid(e|al)`,
					`(kill|harm|hurt)\s+(myself|himself|herself|themselves|themself)`,
					`self[- ]?harm`,
					`end\s+(my|his|her|their)\s+life`,
					`wants?\s+to\s+die`,
					`intentional(ly)?\s+overdos`,
				},
			},
			{
				ID:     CategoryAcuteEmergency,
				Target: TargetEmergencyServices,
				Patterns: []string{
					`(is|are|has\s+been|became)\s+(currently\s+)?(unresponsive|not\s+breathing)`,
					`overdosing\s+(right\s+)?now`,
					`(happening|emergency)\s+right\s+now`,
					`call(ing)?\s+911`,
					`stopped\s+breathing`,
				},
			},
			{
				ID:     CategoryDiversion,
				Target: TargetControlledSubstanceSpc,
				Patterns: []string{
					`sell(ing)?\s+(my|his|her|their|the|some)?\s*(pills|opioids|oxy\w*|percocet|medication)`,
					`(give|share)\s+(my|his|her|their)\s+(pills|opioids|medication)\s+(to|with)`,
					`(fake|forged?|altered|stolen)\s+prescriptions?`,
					`get\s+(more\s+)?opioids\s+without\s+(a\s+)?prescription`,
				},
				Keywords: []string{"doctor shopping", "pill mill"},
			},
		},
		OutOfScope: []Category{
			{
				ID: CategoryLegal,
				Patterns: []string{
					`(draft|write|review)\s+(a\s+|my\s+)?(legal\s+)?(contract|will|lease|lawsuit)`,
					`legal\s+(advice|contract)`,
					`(sue|suing)\s+`,
				},
				Keywords: []string{"litigation", "custody battle"},
			},
			{
				ID: CategoryFinancial,
				Patterns: []string{
					`should\s+i\s+(buy|sell|invest)\s+`,
					`financial\s+advice`,
					`(stock|crypto)\s+(tip|pick|investment)`,
					`(file|prepare|do)\s+(my|his|her|their)\s+tax\s+return`,
					`refinanc\w*\s+(my|the)\s+mortgage`,
				},
			},
			{
				ID: CategoryNonClinicalTask,
				Patterns: []string{
					`write\s+(me\s+)?(a\s+)?(poem|song|story|essay)`,
					`(plan|book)\s+(a|my)\s+(trip|vacation)`,
				},
			},
		},
		Topics: []Topic{
			{ID: registry.TopicPrescribing, Keywords: []string{"prescrib", "refill", "initiat", "dosage", "dose", "taper", "mme", "morphine milligram", "opioid therapy", "buprenorphine", "methadone"}},
			{ID: registry.TopicDispensing, Keywords: []string{"dispens", "refill", "pharmacy", "pdmp", "prescription monitoring", "fill the prescription"}},
			{ID: registry.TopicDrugInteractions, Keywords: []string{"interaction", "benzodiazepine", "contraindicat", "side effect", "adverse effect"}},
			{ID: registry.TopicDiagnosis, Keywords: []string{"diagnos", "differential", "workup", "lab test", "imaging"}},
			{ID: registry.TopicPainManagement, Keywords: []string{"pain", "analgesi", "nsaid"}},
			{ID: registry.TopicOverdoseResponse, Keywords: []string{"overdose", "naloxone", "narcan", "respiratory depression"}},
			{ID: registry.TopicSubstanceUseTreatment, Keywords: []string{"opioid use disorder", "oud", "addiction", "withdrawal", "moud", "recovery"}},
			{ID: registry.TopicNursingCare, Keywords: []string{"vital signs", "monitor", "wound", "administer", "bedside", "nursing"}},
			{ID: registry.TopicPatientEducation, Keywords: []string{"educat", "teach", "counsel", "explain to the patient"}},
			{ID: registry.TopicPsychosocialSupport, Keywords: []string{"housing", "homeless", "insurance", "transportation", "stigma", "social support", "employment", "food insecurity", "peer support"}},
			{ID: registry.TopicCareCoordination, Keywords: []string{"refer", "coordinat", "follow-up", "follow up", "discharge", "handoff"}},
			{ID: registry.TopicSurgicalProcedure, Keywords: []string{"surgical", "surgery", "incision", "suture", "laparoscop", "resection", "anastomosis", "cholecystectomy"}},
			{ID: registry.TopicPerioperativeCare, Keywords: []string{"perioperative", "postoperative", "post-operative", "preoperative", "anesthesia"}},
		},
		ScenarioRules: []ScenarioRule{
			{ID: "self_harm_tag", Match: "*self_harm*", HighRisk: []string{CategorySelfHarm}},
			{ID: "emergency_tag", Match: "*emergency*", HighRisk: []string{CategoryAcuteEmergency}},
			{ID: "diversion_tag", Match: "*diversion*", HighRisk: []string{CategoryDiversion}},
			{ID: "prescribing_tag", Match: "opioid_*prescribing*", Topics: []string{registry.TopicPrescribing}},
			{ID: "overdose_tag", Match: "opioid_overdose_*", Topics: []string{registry.TopicOverdoseResponse}},
			{ID: "tapering_tag", Match: "opioid_tapering_*", Topics: []string{registry.TopicPrescribing, registry.TopicSubstanceUseTreatment}},
			{ID: "oud_tag", Match: "opioid_use_disorder_*", Topics: []string{registry.TopicSubstanceUseTreatment}},
			{ID: "chronic_pain_tag", Match: "opioid_chronic_pain_*", Topics: []string{registry.TopicPainManagement}},
		},
	}
	if err := r.Compile(); err != nil {
		panic("routing: default rules: " + err.Error())
	}
	return r
}
