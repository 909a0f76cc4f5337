// SPDX-License-Identifier: Apache-2.0
// Package knowledge holds the role-tagged knowledge index, the source
// records it is built from, and the ingestion pipeline that keeps the two
// in step.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

// Index answers role-filtered similarity queries over passages.
// Implementations must be safe for concurrent Search calls.
type Index interface {
	// Upsert adds or replaces passages by id.
	Upsert(ctx context.Context, passages []core.Passage) error
	// DeleteSource removes every passage of a source.
	DeleteSource(ctx context.Context, sourceID string) error
	// Search returns passages tagged for at least one of req.RoleTags.
	Search(ctx context.Context, req SearchRequest) ([]core.Passage, error)
	// Stats reports index size.
	Stats(ctx context.Context) (Stats, error)
}

// SearchRequest is a single index lookup.
type SearchRequest struct {
	Text         string
	RoleTags     []string
	ScenarioType string
	// Limit caps results; zero means no cap.
	Limit int
}

// Stats summarizes index contents.
type Stats struct {
	Passages int `json:"passages"`
	Sources  int `json:"sources"`
}

// Embedder turns text into a vector for vector-backed indexes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Page is one page of a paginated source such as a PDF.
type Page struct {
	Number int    `json:"number" yaml:"number"`
	Text   string `json:"text" yaml:"text"`
}

// Record is one source handed over by the ingestion pipeline.
type Record struct {
	SourceID     string    `json:"source_id" yaml:"source_id"`
	Title        string    `json:"title,omitempty" yaml:"title"`
	URL          string    `json:"url,omitempty" yaml:"url"`
	RoleTags     []string  `json:"role_tags" yaml:"role_tags"`
	ScenarioTags []string  `json:"scenario_tags,omitempty" yaml:"scenario_tags"`
	Text         string    `json:"text,omitempty" yaml:"text"`
	Pages        []Page    `json:"pages,omitempty" yaml:"pages"`
	PublishedAt  time.Time `json:"published_at,omitempty" yaml:"published_at"`
}

// Validate checks the fields required to index a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return errors.InvalidInput("source_id is required")
	}
	if len(r.RoleTags) == 0 {
		return errors.InvalidInput("source " + r.SourceID + " has no role tags")
	}
	if strings.TrimSpace(r.Text) == "" && len(r.Pages) == 0 {
		return errors.InvalidInput("source " + r.SourceID + " has no text")
	}
	return nil
}

// Digest fingerprints the record content. Equal digests index identically.
func (r Record) Digest() string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Citation builds the citation for a passage of this record.
func (r Record) Citation(page int) core.Citation {
	return core.Citation{SourceID: r.SourceID, Title: r.Title, URL: r.URL, Page: page}
}
