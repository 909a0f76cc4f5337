package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestTurnIDContext(t *testing.T) {
	ctx, id := EnsureTurnID(context.Background())
	if !strings.HasPrefix(id, "turn-") {
		t.Fatalf("unexpected turn id %q", id)
	}
	again, same := EnsureTurnID(ctx)
	if same != id {
		t.Errorf("expected existing id to be reused")
	}
	if got, ok := TurnID(again); !ok || got != id {
		t.Errorf("expected turn id in context")
	}
}

func TestQueryValidate(t *testing.T) {
	tests := []struct {
		name    string
		query   Query
		wantErr string
	}{
		{name: "ok", query: Query{Scenario: Scenario{Text: "early refill"}, RoleIDs: []string{"physician"}}},
		{name: "empty text", query: Query{Scenario: Scenario{Text: "  "}, RoleIDs: []string{"nurse"}}, wantErr: "empty"},
		{name: "no roles", query: Query{Scenario: Scenario{Text: "x"}}, wantErr: "at least one role"},
		{name: "duplicate", query: Query{Scenario: Scenario{Text: "x"}, RoleIDs: []string{"nurse", "nurse"}}, wantErr: "more than once"},
		{name: "too long", query: Query{Scenario: Scenario{Text: strings.Repeat("a", 11)}, RoleIDs: []string{"nurse"}}, wantErr: "limit is 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(10)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRoleIdentity(t *testing.T) {
	r := RoleIdentity{ID: "pharmacist", DisplayName: "Pharmacist", Topics: []string{"dispensing", "drug_interactions"}}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if r.Specificity() != 0.5 {
		t.Errorf("expected specificity 0.5, got %v", r.Specificity())
	}
	if r.Overlap([]string{"dispensing", "surgery"}) != 1 {
		t.Errorf("expected overlap of 1")
	}

	c := r.Clone()
	c.Topics[0] = "changed"
	if r.Topics[0] != "dispensing" {
		t.Errorf("clone shares topic slice")
	}

	bad := RoleIdentity{ID: "Bad Id", DisplayName: "x", Topics: []string{"a"}}
	if bad.Validate() == nil {
		t.Errorf("expected invalid id to be rejected")
	}
}

func TestSortPassages(t *testing.T) {
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ps := []Passage{
		{ID: "b_c001", SourceID: "b", Score: 0.5, PublishedAt: old},
		{ID: "a_c002", SourceID: "a", Score: 0.5, PublishedAt: old},
		{ID: "a_c001", SourceID: "a", Score: 0.5, PublishedAt: old},
		{ID: "c_c001", SourceID: "c", Score: 0.5, PublishedAt: recent},
		{ID: "d_c001", SourceID: "d", Score: 0.9, PublishedAt: old},
	}
	SortPassages(ps)

	want := []string{"d_c001", "c_c001", "a_c001", "a_c002", "b_c001"}
	for i, id := range want {
		if ps[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ps[i].ID)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Check the PDMP. Confirm the dose!\n- Counsel on naloxone\n\nFollow up in 7 days")
	want := []string{"Check the PDMP.", "Confirm the dose!", "Counsel on naloxone", "Follow up in 7 days"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
