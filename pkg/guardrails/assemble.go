// SPDX-License-Identifier: Apache-2.0
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// DefaultPlaceholder fills a required section the draft left out.
const DefaultPlaceholder = "Not addressed."

// Unit is one role's outcome at the barrier.
type Unit struct {
	Role     core.RoleIdentity
	Decision core.RoutingDecision
	// Draft is nil unless generation succeeded.
	Draft *core.DraftResponse
	// Passages is the passage ledger the draft may cite.
	Passages []core.Passage
	// RetrievalErr is set when the passage ledger could not be fetched.
	RetrievalErr error
	// Err is the generation or cancellation error for an ANSWER unit.
	Err error
}

// Turn is every unit of one query in role selection order.
type Turn struct {
	TurnID string
	Units  []Unit
	// Catalog names role escalation targets in referral notices.
	Catalog []core.RoleIdentity
}

// Assembler builds the final bundle from a complete turn.
type Assembler struct {
	fingerprinter Fingerprinter
	threshold     float64
	tone          *ToneChecker
	screen        *Screen
	topics        func(text string) []string
	placeholder   string
	labels        map[string]string
	now           func() time.Time
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *telemetry.PipelineMetrics
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithFingerprinter sets the claim similarity capability.
func WithFingerprinter(f Fingerprinter) Option {
	return func(a *Assembler) {
		if f != nil {
			a.fingerprinter = f
		}
	}
}

// WithThreshold sets the similarity at or above which two claims are
// duplicates.
func WithThreshold(t float64) Option {
	return func(a *Assembler) { a.threshold = t }
}

// WithToneLexicon replaces the tone word lists.
func WithToneLexicon(lex ToneLexicon) Option {
	return func(a *Assembler) { a.tone = NewToneChecker(lex) }
}

// WithScreen sets the output filters applied to answer text.
func WithScreen(s *Screen) Option {
	return func(a *Assembler) { a.screen = s }
}

// WithTopicTagger sets the function mapping a claim to intent topics. It
// decides which role owns a duplicated claim.
func WithTopicTagger(fn func(text string) []string) Option {
	return func(a *Assembler) { a.topics = fn }
}

// WithPlaceholder sets the text used for missing sections.
func WithPlaceholder(text string) Option {
	return func(a *Assembler) {
		if text != "" {
			a.placeholder = text
		}
	}
}

// WithTargetLabels adds or overrides escalation target labels.
func WithTargetLabels(labels map[string]string) Option {
	return func(a *Assembler) {
		for k, v := range labels {
			a.labels[k] = v
		}
	}
}

// WithClock sets the clock used for AssembledAt.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records suppressed duplicates.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler returns an Assembler with unigram Jaccard deduplication at
// 0.75 and PII masking.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		fingerprinter: ShingleFingerprinter{Size: 1},
		threshold:     DefaultFingerprintConfig().Threshold,
		tone:          NewToneChecker(DefaultToneLexicon()),
		screen:        NewScreen(WithOutputFilter(NewPIIFilter(PIIFilterMask))),
		placeholder:   DefaultPlaceholder,
		labels:        DefaultTargetLabels(),
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer("ipcollab/guardrails"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble renders every unit in order. It never fails: missing structure
// is repaired, failed units become notices and non-answer decisions never
// carry generated content.
func (a *Assembler) Assemble(ctx context.Context, turn Turn) core.Bundle {
	ctx, span := a.tracer.Start(ctx, "guardrails.assemble",
		trace.WithAttributes(telemetry.TurnAttributes(turn.TurnID, len(turn.Units))...))
	defer span.End()

	bundle := core.Bundle{
		TurnID:      turn.TurnID,
		Entries:     make([]core.FinalResponse, len(turn.Units)),
		AssembledAt: a.now(),
	}
	var answers []int
	for i, u := range turn.Units {
		entry := core.FinalResponse{
			RoleID:      u.Role.ID,
			DisplayName: u.Role.Name(),
			Decision:    u.Decision,
			ToneOK:      true,
		}
		switch {
		case u.Decision.Kind == core.DecisionRefuse:
			entry.Kind = core.EntryRefusal
			entry.Notice = RefusalNotice(u.Role, u.Decision)
		case u.Decision.Kind != core.DecisionAnswer:
			entry.Kind = core.EntryReferral
			entry.Notice = ReferralNotice(u.Role, u.Decision, targetLabel(u.Decision.Target, a.labels, turn.Catalog))
		case u.Err != nil || u.Draft == nil:
			entry.Kind = core.EntryUnavailable
			entry.Notice = UnavailableNotice
			detail := "no draft"
			if u.Err != nil {
				detail = string(errors.As(u.Err).Code)
			}
			entry.Flags = append(entry.Flags, core.Flag{Check: CheckGenerationFailed, Detail: detail})
		default:
			a.answer(ctx, &entry, u)
			answers = append(answers, i)
		}
		bundle.Entries[i] = entry
	}

	bundle.SuppressedDuplicates = a.dedupe(ctx, turn, bundle.Entries, answers)
	for _, i := range answers {
		bundle.Entries[i].ToneOK = ToneOK(bundle.Entries[i].Flags)
	}

	span.SetAttributes(attribute.Int(telemetry.AttrDuplicates, bundle.SuppressedDuplicates))
	a.metrics.RecordDuplicates(ctx, bundle.SuppressedDuplicates)
	return bundle
}

// inlineRef matches a bracketed reference such as [cdc_2022_c004] or
// [cdc_c001, pdmp_c002].
var inlineRef = regexp.MustCompile(`\[([^\[\]\n]+)\]`)

func refIDs(m string) []string {
	var ids []string
	for _, id := range strings.FieldsFunc(m[1:len(m)-1], func(r rune) bool { return r == ',' || r == ';' }) {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Assembler) answer(ctx context.Context, entry *core.FinalResponse, u Unit) {
	entry.Kind = core.EntryAnswer
	ledger := make(map[string]core.Passage, len(u.Passages))
	for _, p := range u.Passages {
		ledger[p.ID] = p
	}

	cited := make(map[core.Citation]bool)
	kept := 0
	cite := func(id string) bool {
		p, ok := ledger[id]
		if !ok {
			entry.Flags = append(entry.Flags, core.Flag{Check: CheckDroppedCitation, Detail: id})
			return false
		}
		kept++
		c := p.Citation
		if c.SourceID == "" {
			c.SourceID = p.SourceID
		}
		if !cited[c] {
			cited[c] = true
			entry.Citations = append(entry.Citations, c)
		}
		return true
	}
	for _, id := range u.Draft.Citations {
		cite(id)
	}

	for _, name := range core.RequiredSections {
		text := inlineRef.ReplaceAllStringFunc(u.Draft.Sections[name], func(m string) string {
			var keep []string
			for _, id := range refIDs(m) {
				if cite(id) {
					keep = append(keep, id)
				}
			}
			if len(keep) == 0 {
				return ""
			}
			return "[" + strings.Join(keep, ", ") + "]"
		})
		text = strings.TrimSpace(text)
		if text == "" {
			entry.Sections = append(entry.Sections, core.RenderedSection{Name: name, Text: a.placeholder, Placeholder: true})
			entry.Flags = append(entry.Flags, core.Flag{Check: CheckPlaceholder, Detail: string(name)})
			a.logger.WarnContext(ctx, "section repaired with placeholder",
				slog.String(telemetry.AttrRoleID, u.Role.ID),
				slog.String("section", string(name)))
			continue
		}
		if fr := a.screen.FilterOutput(ctx, text); fr.Modified {
			text = fr.Content
			for _, r := range fr.Redactions {
				entry.Flags = append(entry.Flags, core.Flag{Check: CheckPIIRedacted, Detail: string(name) + ": " + r.Type})
			}
		}
		entry.Sections = append(entry.Sections, core.RenderedSection{Name: name, Text: text})
	}

	entry.Ungrounded = u.Draft.Ungrounded || kept == 0
	if u.RetrievalErr != nil {
		entry.Flags = append(entry.Flags, core.Flag{Check: CheckIndexUnavailable, Detail: string(errors.As(u.RetrievalErr).Code)})
	}
	if entry.Ungrounded {
		entry.Flags = append(entry.Flags, core.Flag{Check: CheckUngrounded, Detail: "no passage from this turn supports the response"})
	}
	entry.Flags = append(entry.Flags, a.tone.Check(u.Role, entry.Sections)...)
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|[0-9]+[.)])\s+`)

type claimLine struct {
	prefix    string
	sentences []string
}

type claim struct {
	entry   int
	section int
	line    int
	index   int
	text    string
	fp      Fingerprint
}

// dedupe replaces every cross-role duplicate claim outside its owner with
// a cross-reference and returns the number of claims replaced. It runs
// after the barrier on the complete set of entries.
func (a *Assembler) dedupe(ctx context.Context, turn Turn, entries []core.FinalResponse, answers []int) int {
	if len(answers) < 2 {
		return 0
	}

	parsed := make(map[[2]int][]claimLine)
	var claims []claim
	for _, ei := range answers {
		for si, s := range entries[ei].Sections {
			if s.Placeholder {
				continue
			}
			lines := splitLines(s.Text)
			parsed[[2]int{ei, si}] = lines
			for li, l := range lines {
				for k, sentence := range l.sentences {
					if len(Canonicalize(inlineRef.ReplaceAllString(sentence, ""))) == 0 {
						continue
					}
					fp := a.fingerprinter.Fingerprint(sentence)
					if fp.Empty() {
						continue
					}
					claims = append(claims, claim{entry: ei, section: si, line: li, index: k, text: sentence, fp: fp})
				}
			}
		}
	}

	parent := make([]int, len(claims))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			if claims[i].entry == claims[j].entry {
				continue
			}
			if a.fingerprinter.Similarity(claims[i].fp, claims[j].fp) >= a.threshold {
				if ri, rj := find(i), find(j); ri != rj {
					parent[max(ri, rj)] = min(ri, rj)
				}
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range claims {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	suppressed := make(map[[4]int]bool)
	refs := make(map[[2]int][]int)
	for _, r := range roots {
		members := groups[r]
		var owners []int
		for _, m := range members {
			if !slices.Contains(owners, claims[m].entry) {
				owners = append(owners, claims[m].entry)
			}
		}
		if len(owners) < 2 {
			continue
		}
		var texts []string
		for _, m := range members {
			texts = append(texts, claims[m].text)
		}
		owner := a.owner(turn, owners, texts)
		for _, m := range members {
			c := claims[m]
			if c.entry == owner {
				continue
			}
			suppressed[[4]int{c.entry, c.section, c.line, c.index}] = true
			key := [2]int{c.entry, c.section}
			if !slices.Contains(refs[key], owner) {
				refs[key] = append(refs[key], owner)
			}
		}
	}
	if len(suppressed) == 0 {
		return 0
	}

	keys := make([][2]int, 0, len(refs))
	for key := range refs {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(x, y [2]int) int {
		if x[0] != y[0] {
			return x[0] - y[0]
		}
		return x[1] - y[1]
	})
	for _, key := range keys {
		ei, si := key[0], key[1]
		owners := refs[key]
		lines := parsed[key]
		prefix := ""
		var out []string
		for li, l := range lines {
			var keep []string
			for k, sentence := range l.sentences {
				if !suppressed[[4]int{ei, si, li, k}] {
					keep = append(keep, sentence)
				}
			}
			if l.prefix != "" && prefix == "" {
				prefix = l.prefix
			}
			if len(keep) > 0 {
				out = append(out, l.prefix+strings.Join(keep, " "))
			}
		}
		entry := &entries[ei]
		for _, o := range owners {
			ownerRole := turn.Units[o].Role
			out = append(out, prefix+CrossReference(ownerRole))
			if !slices.Contains(entry.CrossReferences, ownerRole.ID) {
				entry.CrossReferences = append(entry.CrossReferences, ownerRole.ID)
			}
			entry.Flags = append(entry.Flags, core.Flag{
				Check:  CheckCrossReferenced,
				Detail: fmt.Sprintf("%s: deferred to %s", entry.Sections[si].Name, ownerRole.ID),
			})
		}
		entry.Sections[si].Text = strings.Join(out, "\n")
	}
	for i := range entries {
		slices.Sort(entries[i].CrossReferences)
	}

	a.logger.DebugContext(ctx, "duplicate claims suppressed",
		slog.String(telemetry.AttrTurnID, turn.TurnID),
		slog.Int("claims", len(suppressed)))
	return len(suppressed)
}

// owner picks the entry that keeps a duplicated claim: the role covering
// most of the claim's topics, then the narrowest scope, then the earliest
// selected.
func (a *Assembler) owner(turn Turn, candidates []int, texts []string) int {
	var topics []string
	if a.topics != nil {
		for _, t := range texts {
			for _, topic := range a.topics(t) {
				if !slices.Contains(topics, topic) {
					topics = append(topics, topic)
				}
			}
		}
	}
	return slices.MinFunc(candidates, func(x, y int) int {
		rx, ry := turn.Units[x].Role, turn.Units[y].Role
		if ox, oy := rx.Overlap(topics), ry.Overlap(topics); ox != oy {
			return oy - ox
		}
		if sx, sy := rx.Specificity(), ry.Specificity(); sx != sy {
			if sx > sy {
				return -1
			}
			return 1
		}
		return x - y
	})
}

func splitLines(text string) []claimLine {
	var out []claimLine
	for _, raw := range strings.Split(text, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		prefix := bulletPrefix.FindString(raw)
		body := raw[len(prefix):]
		if prefix != "" {
			prefix = strings.TrimSpace(prefix) + " "
		}
		out = append(out, claimLine{prefix: prefix, sentences: core.SplitSentences(body)})
	}
	return out
}
