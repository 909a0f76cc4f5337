// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// Ingestor (re)builds an Index from source records. Ingesting a source id
// again replaces its passages; ingesting identical content is a no-op.
type Ingestor struct {
	index    Index
	store    SourceStore
	chunker  ChunkerConfig
	detector ScenarioDetector
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// WithChunker sets chunk sizes.
func WithChunker(cfg ChunkerConfig) IngestOption {
	return func(i *Ingestor) { i.chunker = cfg }
}

// WithScenarioDetector sets the detector used for untagged records.
func WithScenarioDetector(d ScenarioDetector) IngestOption {
	return func(i *Ingestor) {
		if d != nil {
			i.detector = d
		}
	}
}

// WithIngestLogger sets the logger.
func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor creates an Ingestor. A nil store keeps sources in memory.
func NewIngestor(index Index, store SourceStore, opts ...IngestOption) *Ingestor {
	if store == nil {
		store = NewMemorySourceStore()
	}
	i := &Ingestor{
		index:    index,
		store:    store,
		chunker:  DefaultChunkerConfig(),
		detector: NewKeywordScenarioDetector(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("ipcollab/knowledge"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Report summarizes one ingestion batch.
type Report struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Passages  int `json:"passages"`
	// Failed maps source id to the reason it was skipped.
	Failed       map[string]string `json:"failed,omitempty"`
	Distribution Distribution      `json:"distribution"`
}

// Ingest indexes records. A bad record is reported and skipped; the rest
// of the batch still applies.
func (i *Ingestor) Ingest(ctx context.Context, records []Record) (Report, error) {
	ctx, span := i.tracer.Start(ctx, "knowledge.ingest",
		trace.WithAttributes(attribute.Int(telemetry.AttrIngestRecords, len(records))))
	defer span.End()

	report := Report{Failed: make(map[string]string)}
	var produced []core.Passage
	var errs []error

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := rec.Validate(); err != nil {
			report.Failed[rec.SourceID] = err.Error()
			errs = append(errs, err)
			continue
		}

		digest := rec.Digest()
		prev, exists, err := i.store.Get(ctx, rec.SourceID)
		if err != nil {
			report.Failed[rec.SourceID] = err.Error()
			errs = append(errs, fmt.Errorf("load source %s: %w", rec.SourceID, err))
			continue
		}
		if exists && prev.Digest == digest {
			report.Unchanged++
			continue
		}

		passages, scenarios := i.build(ctx, rec, nil)
		if err := i.replace(ctx, rec.SourceID, passages); err != nil {
			report.Failed[rec.SourceID] = err.Error()
			errs = append(errs, err)
			continue
		}
		if err := i.store.Put(ctx, StoredSource{Record: rec, Digest: digest, Scenarios: scenarios, IngestedAt: i.now()}); err != nil {
			report.Failed[rec.SourceID] = err.Error()
			errs = append(errs, fmt.Errorf("store source %s: %w", rec.SourceID, err))
			continue
		}

		if exists {
			report.Updated++
		} else {
			report.Added++
		}
		report.Passages += len(passages)
		produced = append(produced, passages...)
		i.logger.InfoContext(ctx, "source ingested",
			slog.String("source_id", rec.SourceID),
			slog.Int("passages", len(passages)),
			slog.Bool("replaced", exists))
	}

	report.Distribution = ScenarioDistribution(produced)
	err := stderrors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest incomplete")
	}
	return report, err
}

// Remove deletes a source from the index and the store.
func (i *Ingestor) Remove(ctx context.Context, sourceID string) error {
	if err := i.index.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	return i.store.Delete(ctx, sourceID)
}

// Rebuild re-indexes every stored source, reusing detected scenario types
// so the rebuilt index matches the one it replaces.
func (i *Ingestor) Rebuild(ctx context.Context) (Report, error) {
	ctx, span := i.tracer.Start(ctx, "knowledge.rebuild")
	defer span.End()

	sources, err := i.store.List(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Failed: make(map[string]string)}
	var produced []core.Passage
	var errs []error
	for _, src := range sources {
		passages, _ := i.build(ctx, src.Record, src.Scenarios)
		if err := i.replace(ctx, src.Record.SourceID, passages); err != nil {
			report.Failed[src.Record.SourceID] = err.Error()
			errs = append(errs, err)
			continue
		}
		report.Updated++
		report.Passages += len(passages)
		produced = append(produced, passages...)
	}
	report.Distribution = ScenarioDistribution(produced)
	return report, stderrors.Join(errs...)
}

func (i *Ingestor) replace(ctx context.Context, sourceID string, passages []core.Passage) error {
	if err := i.index.DeleteSource(ctx, sourceID); err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	if err := i.index.Upsert(ctx, passages); err != nil {
		return fmt.Errorf("index source %s: %w", sourceID, err)
	}
	return nil
}

// build chunks rec into passages. Records without scenario tags get one
// detected type per chunk, taken from known when present.
func (i *Ingestor) build(ctx context.Context, rec Record, known map[string]string) ([]core.Passage, map[string]string) {
	chunks := i.chunker.ChunkRecord(rec)
	passages := make([]core.Passage, 0, len(chunks))
	var scenarios map[string]string
	if len(rec.ScenarioTags) == 0 {
		scenarios = make(map[string]string, len(chunks))
	}

	for _, c := range chunks {
		tags := rec.ScenarioTags
		if scenarios != nil {
			st, ok := known[c.ID]
			if !ok {
				st = i.detector.Detect(ctx, c.Text)
			}
			scenarios[c.ID] = st
			tags = []string{st}
		}
		passages = append(passages, core.Passage{
			ID:           c.ID,
			SourceID:     rec.SourceID,
			RoleTags:     append([]string(nil), rec.RoleTags...),
			ScenarioTags: append([]string(nil), tags...),
			Text:         c.Text,
			PublishedAt:  rec.PublishedAt,
			Citation:     rec.Citation(c.Page),
		})
	}
	return passages, scenarios
}
