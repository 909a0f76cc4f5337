package llm

import (
	"context"
	"sync"
)

// TaggedMockProvider answers each request according to its Tag. It is
// used to simulate one role's backend failing or stalling while others
// succeed.
type TaggedMockProvider struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	fallback  Behavior
	calls     map[string]int
}

// NewTaggedMockProvider returns a provider using fallback for unknown tags.
func NewTaggedMockProvider(fallback Behavior) *TaggedMockProvider {
	return &TaggedMockProvider{
		behaviors: make(map[string]Behavior),
		fallback:  fallback,
		calls:     make(map[string]int),
	}
}

// Name implements Named.
func (p *TaggedMockProvider) Name() string { return "mock" }

// Set scripts the behavior for tag.
func (p *TaggedMockProvider) Set(tag string, b Behavior) *TaggedMockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[tag] = b
	return p
}

// Calls returns how many requests tag has made.
func (p *TaggedMockProvider) Calls(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tag]
}

// Chat answers according to the behavior registered for req.Tag.
func (p *TaggedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	b, ok := p.behaviors[req.Tag]
	if !ok {
		b = p.fallback
	}
	p.calls[req.Tag]++
	p.mu.Unlock()

	return b.reply(ctx, req)
}
