package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Behavior scripts one mock answer.
type Behavior struct {
	Response string
	Err      error
	// Delay is applied before answering. Chat returns ctx.Err() if the
	// context ends first, unless IgnoreContext is set.
	Delay         time.Duration
	IgnoreContext bool
	Panic         bool
}

func (b Behavior) reply(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if b.Panic {
		panic(fmt.Sprintf("mock provider panic for %q", req.Tag))
	}
	if b.Delay > 0 {
		if b.IgnoreContext {
			time.Sleep(b.Delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Delay):
			}
		}
	}
	if b.Err != nil {
		return nil, b.Err
	}
	return &ChatResponse{
		Content: b.Response,
		Model:   req.Model,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

// MockProvider answers every request the same way. It also backs the
// "mock" provider setting for local runs without a model.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Name implements Named.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the configured response or error.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return Behavior{Response: m.Response, Err: m.Err}.reply(ctx, req)
}

// FailingMockProvider always fails.
type FailingMockProvider struct {
	Err error
}

// Chat returns the configured error.
func (f *FailingMockProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	if f.Err == nil {
		return nil, errors.New("mock error")
	}
	return nil, f.Err
}

// ScriptedMockProvider answers requests in order from a queue of
// behaviors and fails once the queue is empty.
type ScriptedMockProvider struct {
	mu    sync.Mutex
	steps []Behavior
	calls int
}

// NewScriptedMockProvider queues one successful answer per response.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	s := &ScriptedMockProvider{}
	for _, r := range responses {
		s.Then(Behavior{Response: r})
	}
	return s
}

// Then queues b.
func (s *ScriptedMockProvider) Then(b Behavior) *ScriptedMockProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, b)
	return s
}

// AddResponse queues a successful answer.
func (s *ScriptedMockProvider) AddResponse(response string) {
	s.Then(Behavior{Response: response})
}

// Calls returns the number of Chat calls so far.
func (s *ScriptedMockProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Chat pops the next behavior.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	s.calls++
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return nil, errors.New("scripted mock: no more responses available")
	}
	b := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return b.reply(ctx, req)
}
