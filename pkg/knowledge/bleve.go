// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

const (
	fieldText         = "text"
	fieldSourceID     = "source_id"
	fieldRoleTags     = "role_tags"
	fieldScenarioTags = "scenario_tags"
)

// BleveIndex is an in-memory lexical index. Passages are kept alongside the
// bleve index so hits can be returned with their full citation metadata.
type BleveIndex struct {
	index bleve.Index

	mu       sync.RWMutex
	passages map[string]core.Passage
	bySource map[string][]string
}

// NewBleveIndex creates an empty in-memory index.
func NewBleveIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &BleveIndex{
		index:    idx,
		passages: make(map[string]core.Passage),
		bySource: make(map[string][]string),
	}, nil
}

func buildMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	tagField := bleve.NewTextFieldMapping()
	tagField.Analyzer = keyword.Name
	tagField.IncludeInAll = false

	docMapping.AddFieldMappingsAt(fieldText, textField)
	docMapping.AddFieldMappingsAt(fieldSourceID, tagField)
	docMapping.AddFieldMappingsAt(fieldRoleTags, tagField)
	docMapping.AddFieldMappingsAt(fieldScenarioTags, tagField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Upsert indexes passages, replacing any with the same id.
func (b *BleveIndex) Upsert(ctx context.Context, passages []core.Passage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, p := range passages {
		doc := map[string]interface{}{
			fieldText:         p.Text,
			fieldSourceID:     p.SourceID,
			fieldRoleTags:     p.RoleTags,
			fieldScenarioTags: p.ScenarioTags,
		}
		if err := batch.Index(p.ID, doc); err != nil {
			return errors.New(errors.CodeInternal, "index passage "+p.ID, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.Batch(batch); err != nil {
		return errors.IndexUnavailable(err)
	}
	for _, p := range passages {
		old, exists := b.passages[p.ID]
		if exists && old.SourceID != p.SourceID {
			b.bySource[old.SourceID] = slices.DeleteFunc(b.bySource[old.SourceID], func(id string) bool { return id == p.ID })
			if len(b.bySource[old.SourceID]) == 0 {
				delete(b.bySource, old.SourceID)
			}
		}
		if !exists || old.SourceID != p.SourceID {
			b.bySource[p.SourceID] = append(b.bySource[p.SourceID], p.ID)
		}
		p.Score = 0
		b.passages[p.ID] = p
	}
	return nil
}

// DeleteSource removes all passages of sourceID.
func (b *BleveIndex) DeleteSource(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.bySource[sourceID]
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.IndexUnavailable(err)
	}
	for _, id := range ids {
		delete(b.passages, id)
	}
	delete(b.bySource, sourceID)
	return nil
}

// Search runs a match query on the passage text, restricted to the role
// tags and optional scenario type. All hits are ranked with
// core.SortPassages before Limit is applied so ties resolve the same way
// on every call.
func (b *BleveIndex) Search(ctx context.Context, req SearchRequest) ([]core.Passage, error) {
	if len(req.RoleTags) == 0 {
		return nil, nil
	}

	b.mu.RLock()
	total := len(b.passages)
	b.mu.RUnlock()
	if total == 0 {
		return nil, nil
	}

	sr := bleve.NewSearchRequestOptions(buildQuery(req), total, 0, false)
	res, err := b.index.SearchInContext(ctx, sr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.IndexUnavailable(err)
	}

	b.mu.RLock()
	out := make([]core.Passage, 0, len(res.Hits))
	for _, hit := range res.Hits {
		p, ok := b.passages[hit.ID]
		if !ok {
			continue
		}
		p.Score = hit.Score
		out = append(out, p)
	}
	b.mu.RUnlock()

	core.SortPassages(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func buildQuery(req SearchRequest) query.Query {
	var text query.Query
	if strings.TrimSpace(req.Text) == "" {
		text = bleve.NewMatchAllQuery()
	} else {
		mq := bleve.NewMatchQuery(req.Text)
		mq.SetField(fieldText)
		text = mq
	}

	// Tag clauses only filter; a zero boost keeps them out of the score.
	roles := bleve.NewDisjunctionQuery()
	for _, tag := range req.RoleTags {
		tq := bleve.NewTermQuery(tag)
		tq.SetField(fieldRoleTags)
		tq.SetBoost(0)
		roles.AddQuery(tq)
	}
	roles.SetBoost(0)

	conj := bleve.NewConjunctionQuery(text, roles)
	if req.ScenarioType != "" {
		tq := bleve.NewTermQuery(req.ScenarioType)
		tq.SetField(fieldScenarioTags)
		tq.SetBoost(0)
		conj.AddQuery(tq)
	}
	return conj
}

// Stats reports passage and source counts.
func (b *BleveIndex) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Passages: len(b.passages), Sources: len(b.bySource)}, nil
}

// Close releases the bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
