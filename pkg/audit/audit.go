// SPDX-License-Identifier: Apache-2.0
// Package audit records routing decisions and assembled bundles so referral
// correctness can be reviewed after the fact.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind distinguishes audit record types.
type Kind string

const (
	KindDecision Kind = "routing_decision"
	KindBundle   Kind = "bundle"
)

// Record is one audit entry. Payload is the JSON form of the decision or
// bundle summary.
type Record struct {
	Kind       Kind            `json:"kind"`
	TurnID     string          `json:"turn_id"`
	RoleID     string          `json:"role_id,omitempty"`
	Outcome    string          `json:"outcome"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// NewRecord builds a record with payload marshaled from v.
func NewRecord(kind Kind, turnID, roleID, outcome string, v any) (Record, error) {
	payload, err := encodePayload(v)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Kind:       kind,
		TurnID:     turnID,
		RoleID:     roleID,
		Outcome:    outcome,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.New("audit record has no payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// Sink receives audit records.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Store is a sink that can be queried.
type Store interface {
	Sink
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// Filter limits audit queries.
type Filter struct {
	Kind    Kind
	TurnID  string
	RoleID  string
	Outcome string
	Limit   int
}

func (f Filter) match(rec Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.TurnID != "" && rec.TurnID != f.TurnID {
		return false
	}
	if f.RoleID != "" && rec.RoleID != f.RoleID {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	return true
}

// MemoryStore keeps audit records in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an audit record.
func (s *MemoryStore) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List returns filtered audit records in insertion order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !filter.match(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// LogSink writes audit records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Record logs the record at info level.
func (s LogSink) Record(ctx context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		slog.String("audit.kind", string(rec.Kind)),
		slog.String("turn_id", rec.TurnID),
		slog.String("role_id", rec.RoleID),
		slog.String("outcome", rec.Outcome),
		slog.String("payload", string(rec.Payload)),
	)
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Record forwards rec to each sink.
func (m MultiSink) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards records.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Record) error { return nil }

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
