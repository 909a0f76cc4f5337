// SPDX-License-Identifier: Apache-2.0
package retrieval

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/resilience"
)

type stubIndex struct {
	mu       sync.Mutex
	passages []core.Passage
	failures int
	err      error
	calls    int
	last     knowledge.SearchRequest
}

func (s *stubIndex) Upsert(context.Context, []core.Passage) error { return nil }
func (s *stubIndex) DeleteSource(context.Context, string) error   { return nil }
func (s *stubIndex) Stats(context.Context) (knowledge.Stats, error) {
	return knowledge.Stats{Passages: len(s.passages)}, nil
}

func (s *stubIndex) Search(_ context.Context, req knowledge.SearchRequest) ([]core.Passage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.calls <= s.failures {
		return nil, s.err
	}
	return append([]core.Passage(nil), s.passages...), nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(2 * time.Millisecond)
}

func role(t *testing.T, id string) core.RoleIdentity {
	t.Helper()
	for _, r := range registry.DefaultRoles() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("no default role %s", id)
	return core.RoleIdentity{}
}

func query(text, scenario string) core.Query {
	return core.Query{TurnID: "turn-1", Scenario: core.Scenario{Text: text, Type: scenario}, RoleIDs: []string{"pharmacist"}}
}

func TestRetrieveRechecksRoleTagsAndOrders(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := &stubIndex{passages: []core.Passage{
		{ID: "z1", SourceID: "z", RoleTags: []string{"pharmacist"}, Score: 0.4},
		{ID: "leak", SourceID: "s", RoleTags: []string{"surgeon"}, Score: 0.9},
		{ID: "b1", SourceID: "b", RoleTags: []string{"general"}, Score: 0.4, PublishedAt: day},
		{ID: "a1", SourceID: "a", RoleTags: []string{"pharmacist"}, Score: 0.4},
		{ID: "a1", SourceID: "a", RoleTags: []string{"pharmacist"}, Score: 0.4},
	}}
	r := New(idx, WithRetry(fastRetry()))

	got, err := r.Retrieve(context.Background(), role(t, "pharmacist"), query("early refill", ""), 3)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"b1", "a1", "z1"}, ids)
	assert.Equal(t, []string{"pharmacist", "general"}, idx.last.RoleTags)
	assert.Equal(t, 3, idx.last.Limit)
}

func TestRetrieveFewerThanK(t *testing.T) {
	r := New(&stubIndex{}, WithRetry(fastRetry()))
	got, err := r.Retrieve(context.Background(), role(t, "nurse"), query("x", ""), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveScenarioFilter(t *testing.T) {
	idx := &stubIndex{passages: []core.Passage{
		{ID: "t1", SourceID: "t", RoleTags: []string{"nurse"}, ScenarioTags: []string{knowledge.ScenarioTapering}},
		{ID: "o1", SourceID: "o", RoleTags: []string{"nurse"}, ScenarioTags: []string{knowledge.ScenarioOverdoseResponse}},
	}}

	r := New(idx, WithScenarioFilter(true))
	got, err := r.Retrieve(context.Background(), role(t, "nurse"), query("taper", knowledge.ScenarioTapering), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, knowledge.ScenarioTapering, idx.last.ScenarioType)
	assert.Equal(t, DefaultK, idx.last.Limit)

	got, err = New(idx).Retrieve(context.Background(), role(t, "nurse"), query("taper", knowledge.ScenarioTapering), 0)
	require.NoError(t, err)
	assert.Len(t, got, 2, "scenario filter is off by default")
}

func TestRetrieveRetriesTransientErrors(t *testing.T) {
	idx := &stubIndex{
		failures: 2,
		err:      errors.IndexUnavailable(stderrors.New("connection reset")),
		passages: []core.Passage{{ID: "n1", SourceID: "n", RoleTags: []string{"nurse"}}},
	}
	got, err := New(idx, WithRetry(fastRetry())).Retrieve(context.Background(), role(t, "nurse"), query("x", ""), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 3, idx.calls)
}

func TestRetrieveIndexUnavailable(t *testing.T) {
	idx := &stubIndex{failures: 100, err: stderrors.New("dial tcp: connection refused")}
	got, err := New(idx, WithRetry(fastRetry())).Retrieve(context.Background(), role(t, "nurse"), query("x", ""), 1)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.HasCode(err, errors.CodeIndexUnavailable))
	assert.Equal(t, 3, idx.calls)
}

func TestRetrieveNonRecoverableStopsEarly(t *testing.T) {
	idx := &stubIndex{failures: 100, err: errors.IndexUnavailable(nil).WithRecoverable(false)}
	_, err := New(idx, WithRetry(fastRetry())).Retrieve(context.Background(), role(t, "nurse"), query("x", ""), 1)
	require.Error(t, err)
	assert.Equal(t, 1, idx.calls)
}

func TestRetrieveAgainstBleve(t *testing.T) {
	ctx := context.Background()
	idx, err := knowledge.NewBleveIndex()
	require.NoError(t, err)
	defer idx.Close()

	_, err = knowledge.NewIngestor(idx, nil).Ingest(ctx, []knowledge.Record{
		{SourceID: "pharm-refill", RoleTags: []string{"pharmacist"}, Text: "Verify early refill requests against the PDMP before dispensing."},
		{SourceID: "phys-refill", RoleTags: []string{"physician"}, Text: "Reassess the treatment plan when a patient requests an early refill."},
	})
	require.NoError(t, err)

	r := New(idx)
	got, err := r.Retrieve(ctx, role(t, "pharmacist"), query("patient requesting early opioid refill", ""), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pharm-refill", got[0].SourceID)
	assert.Equal(t, "pharm-refill", got[0].Citation.SourceID)

	got, err = r.Retrieve(ctx, role(t, "physician"), query("patient requesting early opioid refill", ""), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "phys-refill", got[0].SourceID)
}
