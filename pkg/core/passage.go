package core

import (
	"slices"
	"time"
)

// Citation identifies where a passage came from.
type Citation struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	Page     int    `json:"page,omitempty"`
}

// Passage is one retrievable chunk of a knowledge source.
type Passage struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	RoleTags     []string  `json:"role_tags"`
	ScenarioTags []string  `json:"scenario_tags,omitempty"`
	Text         string    `json:"text"`
	Score        float64   `json:"score,omitempty"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	Citation     Citation  `json:"citation"`
}

// TaggedFor reports whether the passage shares any role tag with tags.
func (p Passage) TaggedFor(tags []string) bool {
	for _, t := range p.RoleTags {
		if slices.Contains(tags, t) {
			return true
		}
	}
	return false
}

// SortPassages orders by score descending, then newer sources first, then
// source id and passage id ascending.
func SortPassages(ps []Passage) {
	slices.SortStableFunc(ps, func(a, b Passage) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		if a.SourceID != b.SourceID {
			if a.SourceID < b.SourceID {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
