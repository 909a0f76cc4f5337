// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/llm"
)

func words(n int, word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestChunkerSplitsLongParagraph(t *testing.T) {
	parts := DefaultChunkerConfig().Split(words(1000, "opioid"))
	require.Len(t, parts, 3)
	assert.Equal(t, 400, countTokens(parts[0]))
	assert.Equal(t, 420, countTokens(parts[1]), "overlap is trimmed to the soft maximum")
	assert.Equal(t, 240, countTokens(parts[2]))
}

func TestChunkerMergesSmallRemainders(t *testing.T) {
	cfg := ChunkerConfig{MaxTokens: 10, MinTokens: 4, OverlapTokens: 0, MergeOverflow: 2}
	text := words(8, "alpha") + ".\n" + words(9, "beta") + ".\n" + "gamma delta."
	parts := cfg.Split(text)
	require.Len(t, parts, 2)
	assert.True(t, strings.HasSuffix(parts[1], "gamma delta."))
	assert.Equal(t, 11, countTokens(parts[1]))
}

func TestChunkerSplitsSentences(t *testing.T) {
	cfg := ChunkerConfig{MaxTokens: 5, MinTokens: 0}
	parts := cfg.Split("One two three four. Five six seven: eight nine ten.")
	assert.Equal(t, []string{"One two three four.", "Five six seven:", "eight nine ten."}, parts)
}

func TestChunkRecordIDs(t *testing.T) {
	cfg := DefaultChunkerConfig()
	web := cfg.ChunkRecord(Record{SourceID: "cdc", Text: "Short guideline text."})
	require.Len(t, web, 1)
	assert.Equal(t, "cdc_c000", web[0].ID)

	pdf := cfg.ChunkRecord(Record{SourceID: "pdf002", Pages: []Page{{Number: 3, Text: "Page three."}, {Number: 4, Text: "Page four."}}})
	require.Len(t, pdf, 2)
	assert.Equal(t, "pdf002_p03_c00", pdf[0].ID)
	assert.Equal(t, 4, pdf[1].Page)
}

func newBleve(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveSearchFiltersByRoleAndScenario(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	require.NoError(t, idx.Upsert(ctx, []core.Passage{
		{ID: "p1", SourceID: "pharm", RoleTags: []string{"pharmacist"}, ScenarioTags: []string{ScenarioInitiation}, Text: "Check the prescription drug monitoring program before an early refill."},
		{ID: "n1", SourceID: "nurse", RoleTags: []string{"nurse"}, ScenarioTags: []string{ScenarioOverdoseResponse}, Text: "Early refill requests warrant a conversation about naloxone."},
		{ID: "p2", SourceID: "pharm", RoleTags: []string{"pharmacist"}, ScenarioTags: []string{ScenarioOverdoseResponse}, Text: "Co-prescribe naloxone when dispensing high doses."},
	}))

	got, err := idx.Search(ctx, SearchRequest{Text: "early refill", RoleTags: []string{"pharmacist"}})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, p := range got {
		assert.Contains(t, p.RoleTags, "pharmacist")
	}
	assert.Equal(t, "p1", got[0].ID)

	got, err = idx.Search(ctx, SearchRequest{RoleTags: []string{"pharmacist"}, ScenarioType: ScenarioOverdoseResponse})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].ID)

	got, err = idx.Search(ctx, SearchRequest{Text: "naloxone"})
	require.NoError(t, err)
	assert.Empty(t, got, "no role tags means no passages")

	stats, _ := idx.Stats(ctx)
	assert.Equal(t, Stats{Passages: 3, Sources: 2}, stats)
}

func TestBleveSearchTieBreaks(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	old := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	text := "Naloxone reverses opioid overdose."
	require.NoError(t, idx.Upsert(ctx, []core.Passage{
		{ID: "c_c000", SourceID: "c", RoleTags: []string{"nurse"}, Text: text, PublishedAt: old},
		{ID: "a_c000", SourceID: "a", RoleTags: []string{"nurse"}, Text: text, PublishedAt: old},
		{ID: "b_c000", SourceID: "b", RoleTags: []string{"nurse"}, Text: text, PublishedAt: old.AddDate(1, 0, 0)},
	}))

	got, err := idx.Search(ctx, SearchRequest{Text: "naloxone", RoleTags: []string{"nurse"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].SourceID, "newer source first")
	assert.Equal(t, "a", got[1].SourceID, "then source id")
}

func TestBleveScoresOnTextOnly(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	published := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	text := "Reassess the taper plan when withdrawal symptoms appear."
	require.NoError(t, idx.Upsert(ctx, []core.Passage{
		{ID: "z_c000", SourceID: "z", RoleTags: []string{"physician", "general"}, ScenarioTags: []string{ScenarioTapering}, Text: text, PublishedAt: published},
		{ID: "a_c000", SourceID: "a", RoleTags: []string{"physician"}, ScenarioTags: []string{ScenarioTapering}, Text: text, PublishedAt: published},
	}))

	got, err := idx.Search(ctx, SearchRequest{Text: "taper withdrawal", RoleTags: []string{"physician", "general"}, ScenarioType: ScenarioTapering})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Score, got[1].Score, "extra tags do not raise the score")
	assert.Equal(t, "a", got[0].SourceID)
}

func TestBleveDeleteSource(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	require.NoError(t, idx.Upsert(ctx, []core.Passage{
		{ID: "a1", SourceID: "a", RoleTags: []string{"nurse"}, Text: "taper slowly"},
		{ID: "b1", SourceID: "b", RoleTags: []string{"nurse"}, Text: "taper slowly"},
	}))
	require.NoError(t, idx.DeleteSource(ctx, "a"))

	got, err := idx.Search(ctx, SearchRequest{Text: "taper", RoleTags: []string{"nurse"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)
}

func sources() []Record {
	return []Record{
		{
			SourceID:     "cdc-2022",
			Title:        "CDC Clinical Practice Guideline",
			URL:          "https://example.org/cdc",
			RoleTags:     []string{"physician"},
			ScenarioTags: []string{ScenarioInitiation},
			Text:         "Clinicians should evaluate benefits and risks before an early refill of opioids.",
			PublishedAt:  time.Date(2022, 11, 4, 0, 0, 0, 0, time.UTC),
		},
		{
			SourceID: "naloxone-faq",
			RoleTags: []string{"pharmacist", "nurse"},
			Text:     "Pharmacists can dispense naloxone for suspected overdose without a prescription.",
		},
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	ing := NewIngestor(idx, nil)

	report, err := ing.Ingest(ctx, sources())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 2, report.Passages)
	assert.Equal(t, 1, report.Distribution.Counts[ScenarioOverdoseResponse], "untagged record is detected")

	req := SearchRequest{Text: "naloxone overdose", RoleTags: []string{"nurse"}}
	before, err := idx.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, []string{ScenarioOverdoseResponse}, before[0].ScenarioTags)

	report, err = ing.Ingest(ctx, sources())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	after, err := idx.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stats, _ := idx.Stats(ctx)
	assert.Equal(t, 2, stats.Passages)
}

func TestIngestReplacesChangedSource(t *testing.T) {
	ctx := context.Background()
	idx := newBleve(t)
	ing := NewIngestor(idx, nil, WithChunker(ChunkerConfig{MaxTokens: 5, MinTokens: 0}))

	rec := Record{SourceID: "s", RoleTags: []string{"nurse"}, ScenarioTags: []string{ScenarioTapering}, Text: words(12, "taper")}
	report, err := ing.Ingest(ctx, []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Passages)

	rec.Text = "taper gradually"
	report, err = ing.Ingest(ctx, []Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	stats, _ := idx.Stats(ctx)
	assert.Equal(t, Stats{Passages: 1, Sources: 1}, stats)
}

func TestIngestReportsBadRecords(t *testing.T) {
	ctx := context.Background()
	ing := NewIngestor(newBleve(t), nil)
	batch := append(sources(), Record{SourceID: "no-roles", Text: "orphan"})

	report, err := ing.Ingest(ctx, batch)
	require.Error(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Contains(t, report.Failed, "no-roles")
}

func TestRebuildRestoresIndex(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	store, err := NewSQLiteSourceStore(db)
	require.NoError(t, err)

	first := newBleve(t)
	_, err = NewIngestor(first, store).Ingest(ctx, sources())
	require.NoError(t, err)

	stored, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "cdc-2022", stored[0].Record.SourceID)
	assert.Equal(t, ScenarioOverdoseResponse, stored[1].Scenarios["naloxone-faq_c000"])

	// A detector that would disagree proves rebuild reuses stored detections.
	second := newBleve(t)
	ing := NewIngestor(second, store, WithScenarioDetector(&LLMScenarioDetector{
		Provider: &llm.MockProvider{Response: ScenarioChronicPain},
	}))
	report, err := ing.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Passages)

	req := SearchRequest{Text: "early refill", RoleTags: []string{"physician"}}
	want, _ := first.Search(ctx, req)
	got, err := second.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, _ = second.Search(ctx, SearchRequest{RoleTags: []string{"pharmacist"}, ScenarioType: ScenarioOverdoseResponse})
	assert.Len(t, got, 1)

	require.NoError(t, ing.Remove(ctx, "naloxone-faq"))
	_, ok, err := store.Get(ctx, "naloxone-faq")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLLMScenarioDetector(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		provider llm.Provider
		want     string
	}{
		{"exact", &llm.MockProvider{Response: " Opioid_Tapering_And_Withdrawal_Management\n"}, ScenarioTapering},
		{"partial", &llm.MockProvider{Response: "Type: opioid_overdose_response."}, ScenarioOverdoseResponse},
		{"unknown", &llm.MockProvider{Response: "cardiology"}, ScenarioGeneral},
		{"failure", &llm.FailingMockProvider{Err: stderrors.New("rate limited")}, ScenarioGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &LLMScenarioDetector{Provider: tt.provider, Model: "m"}
			assert.Equal(t, tt.want, d.Detect(ctx, "text"))
		})
	}
}

func TestIngestDetectsOncePerChunk(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScriptedMockProvider(ScenarioTapering, "no idea")
	ing := NewIngestor(newBleve(t), nil, WithScenarioDetector(&LLMScenarioDetector{Provider: provider}))
	batch := []Record{
		{SourceID: "taper", RoleTags: []string{"physician"}, Text: "Reduce the dose by 10% per month."},
		{SourceID: "misc", RoleTags: []string{"nurse"}, Text: "Store medicines out of reach of children."},
	}

	report, err := ing.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Distribution.Counts[ScenarioTapering])
	assert.Equal(t, 1, report.Distribution.Counts[ScenarioGeneral])
	assert.Equal(t, 2, provider.Calls())

	report, err = ing.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, 2, provider.Calls(), "unchanged sources are not classified again")
}

func TestKeywordScenarioDetector(t *testing.T) {
	d := NewKeywordScenarioDetector()
	ctx := context.Background()
	assert.Equal(t, ScenarioTapering, d.Detect(ctx, "Taper by 10% per month to limit withdrawal."))
	assert.Equal(t, ScenarioGeneral, d.Detect(ctx, "Opioids are a class of drugs."))
}

func TestScenarioDistribution(t *testing.T) {
	d := ScenarioDistribution([]core.Passage{
		{ScenarioTags: []string{ScenarioTapering}},
		{ScenarioTags: []string{ScenarioTapering}},
		{},
		{ScenarioTags: []string{ScenarioOverdoseResponse}},
	})
	assert.Equal(t, 4, d.Total)
	assert.Equal(t, 0.5, d.Share(ScenarioTapering))
	assert.Equal(t, []string{ScenarioGeneral, ScenarioOverdoseResponse, ScenarioTapering}, d.Scenarios())
}

func TestParseSources(t *testing.T) {
	recs, err := ParseSources([]byte(`
sources:
  - source_id: pdf001
    title: Naloxone guide
    role_tags: [pharmacist]
    published_at: 2023-05-01T00:00:00Z
    pages:
      - number: 1
        text: Give naloxone.
`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2023, recs[0].PublishedAt.Year())
	assert.NoError(t, recs[0].Validate())
}
