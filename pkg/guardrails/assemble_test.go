// SPDX-License-Identifier: Apache-2.0
package guardrails

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/routing"
)

func roles(t *testing.T) map[string]core.RoleIdentity {
	t.Helper()
	out := map[string]core.RoleIdentity{}
	for _, r := range registry.DefaultRoles() {
		out[r.ID] = r
	}
	return out
}

func answerUnit(role core.RoleIdentity, draft core.DraftResponse, passages ...core.Passage) Unit {
	draft.RoleID = role.ID
	return Unit{
		Role:     role,
		Decision: core.RoutingDecision{TurnID: "t1", RoleID: role.ID, Kind: core.DecisionAnswer},
		Draft:    &draft,
		Passages: passages,
	}
}

func sections(perspective, actions, grounding, limitations string) map[core.Section]string {
	return map[core.Section]string{
		core.SectionPerspective: perspective,
		core.SectionActions:     actions,
		core.SectionGrounding:   grounding,
		core.SectionLimitations: limitations,
	}
}

var cdc = []core.Passage{
	{ID: "cdc_c000", SourceID: "cdc", Text: "Check the PDMP.", Citation: core.Citation{SourceID: "cdc", Title: "CDC 2022"}},
	{ID: "cdc_c001", SourceID: "cdc", Text: "Offer naloxone.", Citation: core.Citation{SourceID: "cdc", Title: "CDC 2022"}},
}

func fixedClock() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }

func TestAssembleRendersNoticesWithoutContent(t *testing.T) {
	r := roles(t)
	turn := Turn{
		TurnID:  "t1",
		Catalog: registry.DefaultRoles(),
		Units: []Unit{
			{Role: r["physician"], Decision: core.RoutingDecision{RoleID: "physician", Kind: core.DecisionRefer, Target: routing.TargetCrisisResource, Reason: core.ReasonHighRisk}},
			{Role: r["pharmacist"], Decision: core.RoutingDecision{RoleID: "pharmacist", Kind: core.DecisionRefer, Target: "surgeon", Reason: core.ReasonCrossRoleScope}},
			{Role: r["nurse"], Decision: core.RoutingDecision{RoleID: "nurse", Kind: core.DecisionRefuse, Reason: core.ReasonOutOfScope}},
			{Role: r["social_worker"], Decision: core.RoutingDecision{RoleID: "social_worker", Kind: core.DecisionAnswer}, Err: errors.GenerationFailed("social_worker", stderrors.New("503"))},
		},
	}
	// A draft on a non-answer decision must never be rendered.
	leaked := core.DraftResponse{Sections: sections("Take 80 mg.", "", "", "")}
	turn.Units[0].Draft = &leaked

	b := NewAssembler(WithClock(fixedClock)).Assemble(context.Background(), turn)
	require.Len(t, b.Entries, 4)
	assert.Equal(t, fixedClock(), b.AssembledAt)

	wantKinds := []core.EntryKind{core.EntryReferral, core.EntryReferral, core.EntryRefusal, core.EntryUnavailable}
	for i, e := range b.Entries {
		assert.Equal(t, turn.Units[i].Role.ID, e.RoleID)
		assert.Equal(t, wantKinds[i], e.Kind)
		assert.NotEmpty(t, e.Notice)
		assert.Empty(t, e.Sections, "notices carry no clinical content")
		assert.Empty(t, e.Citations)
	}
	assert.Contains(t, b.Entries[0].Notice, "988")
	assert.Contains(t, b.Entries[1].Notice, "the Surgeon")
	assert.Contains(t, b.Entries[1].Notice, "scope of practice")
	assert.Contains(t, b.Entries[2].Notice, "outside the scope of healthcare practice")
	assert.Equal(t, UnavailableNotice, b.Entries[3].Notice)
	assert.Equal(t, []core.Flag{{Check: CheckGenerationFailed, Detail: string(errors.CodeGenerationFailed)}}, b.Entries[3].Flags)
}

func TestAssembleRepairsMissingSections(t *testing.T) {
	r := roles(t)
	draft := core.DraftResponse{
		Sections:  map[core.Section]string{core.SectionPerspective: "Review the fill history [cdc_c000]."},
		Citations: []string{"cdc_c000"},
	}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{answerUnit(r["pharmacist"], draft, cdc...)}})

	e := b.Entries[0]
	require.Len(t, e.Sections, len(core.RequiredSections))
	for i, name := range core.RequiredSections {
		assert.Equal(t, name, e.Sections[i].Name)
	}
	assert.False(t, e.Sections[0].Placeholder)
	for _, s := range e.Sections[1:] {
		assert.True(t, s.Placeholder)
		assert.Equal(t, DefaultPlaceholder, s.Text)
	}
	var repaired []string
	for _, f := range e.Flags {
		if f.Check == CheckPlaceholder {
			repaired = append(repaired, f.Detail)
		}
	}
	assert.Equal(t, []string{"recommended_actions", "grounding", "limitations"}, repaired)
}

func TestAssembleProvenance(t *testing.T) {
	r := roles(t)
	draft := core.DraftResponse{
		Sections: sections(
			"Early refills warrant review [cdc_c000, ghost_c010].",
			"- Check the PDMP.",
			"Per CDC guidance [cdc_c001] and [made_up_c002].",
			"Limited to dispensing [CDC guideline 2022]."),
		Citations: []string{"cdc_c000", "cdc_c001", "ghost_c009"},
	}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{answerUnit(r["pharmacist"], draft, cdc...)}})

	e := b.Entries[0]
	assert.False(t, e.Ungrounded)
	assert.Equal(t, []core.Citation{{SourceID: "cdc", Title: "CDC 2022"}}, e.Citations)
	assert.Equal(t, "Per CDC guidance [cdc_c001] and .", e.Section(core.SectionGrounding))
	assert.Contains(t, e.Flags, core.Flag{Check: CheckDroppedCitation, Detail: "ghost_c009"})
	assert.Contains(t, e.Flags, core.Flag{Check: CheckDroppedCitation, Detail: "made_up_c002"})
	assert.Equal(t, "Early refills warrant review [cdc_c000].", e.Section(core.SectionPerspective))
	assert.Contains(t, e.Flags, core.Flag{Check: CheckDroppedCitation, Detail: "ghost_c010"})
	assert.Equal(t, "Limited to dispensing .", e.Section(core.SectionLimitations))
	assert.Contains(t, e.Flags, core.Flag{Check: CheckDroppedCitation, Detail: "CDC guideline 2022"})
	assert.NotContains(t, e.Flags, core.Flag{Check: CheckIndexUnavailable, Detail: string(errors.CodeIndexUnavailable)})
}

func TestAssembleUngrounded(t *testing.T) {
	r := roles(t)
	draft := core.DraftResponse{
		Sections:   sections("Reassess pain.", "- Reassess pain.", "No passages were available.", "General guidance only."),
		Citations:  []string{"cdc_c000"},
		Ungrounded: true,
	}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{answerUnit(r["physician"], draft)}})

	e := b.Entries[0]
	assert.Equal(t, core.EntryAnswer, e.Kind)
	assert.True(t, e.Ungrounded)
	assert.Empty(t, e.Citations, "citations cannot point outside the turn's passages")
	assert.Contains(t, e.Flags, core.Flag{Check: CheckUngrounded, Detail: "no passage from this turn supports the response"})
}

func refillTurn(t *testing.T) Turn {
	r := roles(t)
	physician := core.DraftResponse{
		Sections: sections(
			"An early refill may signal misuse. Check the PDMP before approving an early refill.",
			"- Reassess the pain plan.\n- Discuss the taper schedule.",
			"CDC prescribing guideline on refill timing [cdc_c000].",
			"Does not replace an in-person assessment."),
		Citations: []string{"cdc_c000"},
	}
	pharmacist := core.DraftResponse{
		Sections: sections(
			"Early refills are a dispensing red flag. Check the PDMP before approving any early refill.",
			"- Verify the prescription date.\n- Counsel on naloxone.",
			"Naloxone co-dispensing recommendation [cdc_c001].",
			"Limited to dispensing decisions."),
		Citations: []string{"cdc_c001"},
	}
	return Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["physician"], physician, cdc...),
		answerUnit(r["pharmacist"], pharmacist, cdc...),
	}}
}

func TestAssembleDeduplicatesAcrossRoles(t *testing.T) {
	rules := routing.DefaultRules()
	asm := NewAssembler(WithTopicTagger(rules.TopicsIn))
	b := asm.Assemble(context.Background(), refillTurn(t))

	assert.Equal(t, 1, b.SuppressedDuplicates)
	physician, _ := b.Entry("physician")
	pharmacist, _ := b.Entry("pharmacist")

	// Pharmacist covers dispensing with a narrower scope, so it keeps the claim.
	assert.Contains(t, pharmacist.Section(core.SectionPerspective), "Check the PDMP before approving any early refill.")
	assert.Equal(t, "An early refill may signal misuse.\nSee Pharmacist's perspective.", physician.Section(core.SectionPerspective))
	assert.Equal(t, []string{"pharmacist"}, physician.CrossReferences)
	assert.Empty(t, pharmacist.CrossReferences)
	assert.Contains(t, physician.Flags, core.Flag{Check: CheckCrossReferenced, Detail: "role_perspective: deferred to pharmacist"})
	assertNoSharedClaims(t, b, ShingleFingerprinter{Size: 1}, 0.75)
}

func TestDeduplicatesLimitationsAndGrounding(t *testing.T) {
	r := roles(t)
	shared := "Confirm the opioid dose history with the prescriber and document the PDMP review."
	physician := core.DraftResponse{
		Sections:  sections("Reassess the taper plan.", "- Schedule a follow-up.", "Guideline on tapering [cdc_c000].", shared),
		Citations: []string{"cdc_c000"},
	}
	pharmacist := core.DraftResponse{
		Sections:  sections("Review the dispensing record.", "- Verify the fill date.", "Guideline on tapering [cdc_c000].", shared),
		Citations: []string{"cdc_c000"},
	}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["physician"], physician, cdc...),
		answerUnit(r["pharmacist"], pharmacist, cdc...),
	}})

	assert.Equal(t, 2, b.SuppressedDuplicates)
	ph, _ := b.Entry("physician")
	ph2, _ := b.Entry("pharmacist")
	assert.Equal(t, shared, ph2.Section(core.SectionLimitations))
	assert.Equal(t, "See Pharmacist's perspective.", ph.Section(core.SectionLimitations))
	assert.Equal(t, "See Pharmacist's perspective.", ph.Section(core.SectionGrounding))
	assert.Equal(t, []string{"pharmacist"}, ph.CrossReferences)
	assert.Contains(t, ph.Flags, core.Flag{Check: CheckCrossReferenced, Detail: "limitations: deferred to pharmacist"})
	assertNoSharedClaims(t, b, ShingleFingerprinter{Size: 1}, 0.75)
}

func TestBareCitationSentencesAreNotClaims(t *testing.T) {
	r := roles(t)
	d := func(perspective string) core.DraftResponse {
		return core.DraftResponse{
			Sections:  sections(perspective, "", "[cdc_c000].", ""),
			Citations: []string{"cdc_c000"},
		}
	}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["physician"], d("Reassess the taper plan."), cdc...),
		answerUnit(r["nurse"], d("Watch for sedation overnight."), cdc...),
	}})
	assert.Zero(t, b.SuppressedDuplicates)
	for _, e := range b.Entries {
		assert.Equal(t, "[cdc_c000].", e.Section(core.SectionGrounding), e.RoleID)
		assert.Empty(t, e.CrossReferences, e.RoleID)
	}
}

func TestDuplicateOwnerFallsBackToSpecificityThenOrder(t *testing.T) {
	r := roles(t)
	claim := "Offer naloxone to everyone on long-term opioids."
	d := func() core.DraftResponse {
		return core.DraftResponse{Sections: sections(claim, "", "", "")}
	}

	// Nurse has fewer topics than physician.
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["physician"], d()), answerUnit(r["nurse"], d()),
	}})
	nurse, _ := b.Entry("nurse")
	physician, _ := b.Entry("physician")
	assert.Equal(t, claim, nurse.Section(core.SectionPerspective))
	assert.Equal(t, "See Nurse's perspective.", physician.Section(core.SectionPerspective))

	// Equal specificity: selection order wins.
	a, c := r["pharmacist"], r["pharmacist"]
	a.ID, a.DisplayName = "pharmacist_a", "Pharmacist A"
	c.ID, c.DisplayName = "pharmacist_b", "Pharmacist B"
	b = NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(c, d()), answerUnit(a, d()),
	}})
	assert.Equal(t, claim, b.Entries[0].Section(core.SectionPerspective))
	assert.Equal(t, "See Pharmacist B's perspective.", b.Entries[1].Section(core.SectionPerspective))
}

func TestDeduplicationThresholdIsConfigurable(t *testing.T) {
	strict := NewAssembler(WithThreshold(0.95)).Assemble(context.Background(), refillTurn(t))
	assert.Zero(t, strict.SuppressedDuplicates, "paraphrases stay below a 0.95 threshold")

	cosine := NewAssembler(WithFingerprinter(CosineFingerprinter{Dims: 256}), WithThreshold(0.8)).
		Assemble(context.Background(), refillTurn(t))
	assert.Equal(t, 1, cosine.SuppressedDuplicates)
	assertNoSharedClaims(t, cosine, CosineFingerprinter{Dims: 256}, 0.8)
}

func TestDeduplicatesListItemsAndKeepsBullets(t *testing.T) {
	r := roles(t)
	nurse := core.DraftResponse{Sections: sections("Support the patient.", "- Teach naloxone use to the family.\n- Monitor breathing.", "", "")}
	sw := core.DraftResponse{Sections: sections("Address housing barriers.", "- Teach naloxone use to the family.\n- Connect to peer recovery.", "", "")}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["nurse"], nurse), answerUnit(r["social_worker"], sw),
	}})

	nurseEntry, _ := b.Entry("nurse")
	swEntry, _ := b.Entry("social_worker")
	// social_worker has three topics, nurse five.
	assert.Contains(t, swEntry.Section(core.SectionActions), "- Teach naloxone use to the family.")
	assert.Equal(t, "- Monitor breathing.\n- See Social Worker's perspective.", nurseEntry.Section(core.SectionActions))
}

func TestAssembleToneChecks(t *testing.T) {
	r := roles(t)
	nurse := core.DraftResponse{Sections: sections(
		"You must always titrate slowly.",
		"- Watch breathing overnight.",
		"None.",
		"None.")}
	long := strings.Repeat("word ", 50) + "end."
	physician := core.DraftResponse{Sections: sections(
		"Consider a taper. "+long,
		"- Reassess in two weeks.",
		"None.",
		"Guaranteed cure is not possible.")}
	pr := r["physician"]
	pr.Style.ForbiddenPhrases = []string{"guaranteed cure"}

	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{
		answerUnit(r["nurse"], nurse), answerUnit(pr, physician),
	}})

	checks := func(e core.FinalResponse) []string {
		var out []string
		for _, f := range e.Flags {
			if strings.HasPrefix(f.Check, "tone.") {
				out = append(out, f.Check)
			}
		}
		return out
	}
	assert.False(t, b.Entries[0].ToneOK)
	assert.ElementsMatch(t, []string{CheckFormality, CheckOverconfident, CheckHedging}, checks(b.Entries[0]))
	assert.False(t, b.Entries[1].ToneOK)
	assert.ElementsMatch(t, []string{CheckSentenceLength, CheckForbiddenPhrase}, checks(b.Entries[1]))

	hedged := core.DraftResponse{Sections: sections("You may want to watch breathing.", "- Consider a naloxone kit.", "None.", "None.")}
	b = NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{answerUnit(r["nurse"], hedged)}})
	assert.True(t, b.Entries[0].ToneOK)
}

func TestAssembleRedactsIdentifiers(t *testing.T) {
	r := roles(t)
	draft := core.DraftResponse{Sections: sections("Call the family at 555-123-4567.", "", "", "")}
	b := NewAssembler().Assemble(context.Background(), Turn{TurnID: "t1", Units: []Unit{answerUnit(r["social_worker"], draft)}})
	assert.Equal(t, "Call the family at [PHONE].", b.Entries[0].Section(core.SectionPerspective))
	assert.Contains(t, b.Entries[0].Flags, core.Flag{Check: CheckPIIRedacted, Detail: "role_perspective: phone"})
}

func TestFingerprinters(t *testing.T) {
	s := ShingleFingerprinter{Size: 1}
	a := s.Fingerprint("Check the PDMP before any refill!")
	assert.Equal(t, "check pdmp before any refill", a.Canonical)
	assert.Equal(t, 1.0, s.Similarity(a, s.Fingerprint("check PDMP, before any refill")))
	assert.Zero(t, s.Similarity(a, s.Fingerprint("Housing support matters.")))
	assert.Zero(t, s.Similarity(a, s.Fingerprint("the of and")), "stopword-only claims never match")

	bigrams := ShingleFingerprinter{Size: 2}
	assert.Less(t, bigrams.Similarity(bigrams.Fingerprint("refill before check pdmp"), bigrams.Fingerprint("check pdmp before refill")), 0.5)

	c := CosineFingerprinter{Dims: 128}
	assert.InDelta(t, 1.0, c.Similarity(c.Fingerprint("naloxone kit"), c.Fingerprint("kit naloxone")), 1e-9)

	cached, err := NewCachedFingerprinter(s, 2)
	require.NoError(t, err)
	cached.Fingerprint("one claim")
	cached.Fingerprint("one claim")
	cached.Fingerprint("two claim")
	cached.Fingerprint("three claim")
	assert.Equal(t, 2, cached.Len())

	f, err := NewFingerprinter(FingerprintConfig{Method: "cosine", Dims: 64})
	require.NoError(t, err)
	assert.IsType(t, CosineFingerprinter{}, f)
	f, err = NewFingerprinter(DefaultFingerprintConfig())
	require.NoError(t, err)
	assert.IsType(t, &CachedFingerprinter{}, f)
	_, err = NewFingerprinter(FingerprintConfig{Method: "minhash"})
	assert.Error(t, err)
}

func assertNoSharedClaims(t *testing.T, b core.Bundle, f Fingerprinter, threshold float64) {
	t.Helper()
	type claimOf struct {
		role string
		text string
		fp   Fingerprint
	}
	var all []claimOf
	for _, e := range b.Entries {
		if e.Kind != core.EntryAnswer {
			continue
		}
		for _, section := range e.Sections {
			if section.Placeholder {
				continue
			}
			for _, s := range core.SplitSentences(section.Text) {
				if strings.HasPrefix(s, "See ") && strings.HasSuffix(s, "perspective.") {
					continue
				}
				if len(Canonicalize(inlineRef.ReplaceAllString(s, ""))) == 0 {
					continue
				}
				all = append(all, claimOf{role: e.RoleID, text: s, fp: f.Fingerprint(s)})
			}
		}
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].role == all[j].role {
				continue
			}
			assert.Less(t, f.Similarity(all[i].fp, all[j].fp), threshold, "%q (%s) vs %q (%s)",
				all[i].text, all[i].role, all[j].text, all[j].role)
		}
	}
}
