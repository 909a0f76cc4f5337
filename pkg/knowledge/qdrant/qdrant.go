// SPDX-License-Identifier: Apache-2.0
// Package qdrant implements knowledge.Index on a Qdrant collection.
package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/knowledge"
)

// pointNamespace derives stable point ids from passage ids.
var pointNamespace = uuid.MustParse("6f1c8f4e-2b1a-4f4e-9a53-7d0f1e2c3b4a")

const (
	keyPassageID    = "passage_id"
	keySourceID     = "source_id"
	keyRoleTags     = "role_tags"
	keyScenarioTags = "scenario_tags"
	keyText         = "text"
	keyTitle        = "title"
	keyURL          = "url"
	keyPage         = "page"
	keyPublishedAt  = "published_at"
)

// DefaultCandidates is how many hits are fetched when a search has no limit.
const DefaultCandidates = 64

// Index stores passages as points in one collection.
type Index struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	conn        *grpc.ClientConn
	collection  string
	embedder    knowledge.Embedder
	vectorSize  uint64
}

// New dials Qdrant at addr.
func New(addr, collection string, embedder knowledge.Embedder, vectorSize uint64) (*Index, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %w", err)
	}
	idx := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, embedder, vectorSize)
	idx.conn = conn
	return idx, nil
}

// NewWithClients builds an Index over existing clients.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, embedder knowledge.Embedder, vectorSize uint64) *Index {
	return &Index{
		points:      points,
		collections: collections,
		collection:  collection,
		embedder:    embedder,
		vectorSize:  vectorSize,
	}
}

// Close releases the connection when New created it.
func (i *Index) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

// EnsureCollection creates the collection if it does not exist.
func (i *Index) EnsureCollection(ctx context.Context) error {
	resp, err := i.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: i.collection})
	if err != nil {
		return mapError(err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = i.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     i.vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", mapError(err))
	}
	return nil
}

// PointID returns the point id used for a passage id.
func PointID(passageID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(passageID)).String()
}

// Upsert embeds and stores passages.
func (i *Index) Upsert(ctx context.Context, passages []core.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(passages))
	for n, p := range passages {
		vec, err := i.embedder.Embed(ctx, p.Text)
		if err != nil {
			return errors.IndexUnavailable(fmt.Errorf("embed %s: %w", p.ID, err))
		}
		points[n] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
			Payload: toPayload(p),
		}
	}

	wait := true
	_, err := i.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", mapError(err))
	}
	return nil
}

// DeleteSource removes every point whose source_id matches.
func (i *Index) DeleteSource(ctx context.Context, sourceID string) error {
	wait := true
	_, err := i.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{matchKeyword(keySourceID, sourceID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", mapError(err))
	}
	return nil
}

// Search embeds req.Text and runs a filtered vector search. Candidates are
// re-ranked with core.SortPassages before the limit is applied.
func (i *Index) Search(ctx context.Context, req knowledge.SearchRequest) ([]core.Passage, error) {
	if len(req.RoleTags) == 0 {
		return nil, nil
	}
	vec, err := i.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, errors.IndexUnavailable(fmt.Errorf("embed query: %w", err))
	}

	filter := &pb.Filter{Must: []*pb.Condition{matchKeywords(keyRoleTags, req.RoleTags)}}
	if req.ScenarioType != "" {
		filter.Must = append(filter.Must, matchKeyword(keyScenarioTags, req.ScenarioType))
	}
	limit := uint64(DefaultCandidates)
	if req.Limit > 0 {
		limit = uint64(req.Limit) * 4
	}

	resp, err := i.points.Search(ctx, &pb.SearchPoints{
		CollectionName: i.collection,
		Vector:         vec,
		Filter:         filter,
		Limit:          limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]core.Passage, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := fromPayload(r.GetPayload())
		p.Score = float64(r.GetScore())
		out = append(out, p)
	}
	core.SortPassages(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// Stats counts points exactly. Sources are not tracked by the collection.
func (i *Index) Stats(ctx context.Context) (knowledge.Stats, error) {
	exact := true
	resp, err := i.points.Count(ctx, &pb.CountPoints{CollectionName: i.collection, Exact: &exact})
	if err != nil {
		return knowledge.Stats{}, mapError(err)
	}
	return knowledge.Stats{Passages: int(resp.GetResult().GetCount())}, nil
}

func matchKeyword(key, value string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
	}}}
}

func matchKeywords(key string, values []string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}},
	}}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *pb.Value {
	values := make([]*pb.Value, len(items))
	for n, s := range items {
		values[n] = stringValue(s)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
}

func toPayload(p core.Passage) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		keyPassageID:    stringValue(p.ID),
		keySourceID:     stringValue(p.SourceID),
		keyRoleTags:     listValue(p.RoleTags),
		keyScenarioTags: listValue(p.ScenarioTags),
		keyText:         stringValue(p.Text),
		keyTitle:        stringValue(p.Citation.Title),
		keyURL:          stringValue(p.Citation.URL),
		keyPage:         {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.Citation.Page)}},
	}
	if !p.PublishedAt.IsZero() {
		payload[keyPublishedAt] = stringValue(p.PublishedAt.UTC().Format(time.RFC3339))
	}
	return payload
}

func fromPayload(payload map[string]*pb.Value) core.Passage {
	str := func(key string) string { return payload[key].GetStringValue() }
	list := func(key string) []string {
		var out []string
		for _, v := range payload[key].GetListValue().GetValues() {
			out = append(out, v.GetStringValue())
		}
		return out
	}

	p := core.Passage{
		ID:           str(keyPassageID),
		SourceID:     str(keySourceID),
		RoleTags:     list(keyRoleTags),
		ScenarioTags: list(keyScenarioTags),
		Text:         str(keyText),
		Citation: core.Citation{
			SourceID: str(keySourceID),
			Title:    str(keyTitle),
			URL:      str(keyURL),
			Page:     int(payload[keyPage].GetIntegerValue()),
		},
	}
	if ts := str(keyPublishedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.PublishedAt = t
		}
	}
	return p
}

// mapError marks transport failures as recoverable index outages.
func mapError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errors.IndexUnavailable(err)
	case codes.Canceled:
		return err
	default:
		return errors.IndexUnavailable(err).WithRecoverable(false)
	}
}
