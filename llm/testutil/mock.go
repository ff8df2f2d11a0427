// Package testutil provides a scriptable Provider implementation for tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docforge-ai/docforge/llm"
)

// MockProvider is a scriptable llm.Provider. Responses and errors are
// served from a FIFO script; when the script is exhausted the sticky
// Response/Err pair is served instead.
type MockProvider struct {
	ProviderName string
	Model        string
	CostPerCall  float64
	Unhealthy    bool

	// Response/Err are the sticky defaults after Script drains.
	Response *llm.Response
	Err      error

	// Delay is applied before every Generate call, to simulate latency.
	Delay time.Duration

	mu     sync.Mutex
	script []scriptStep

	calls       atomic.Int64
	streamCalls atomic.Int64
}

type scriptStep struct {
	resp *llm.Response
	err  error
}

// NewMockProvider returns a provider that always succeeds with a canned
// response attributed to name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Model:        "mock-model",
		Response: &llm.Response{
			Content:  "mock response from " + name,
			Model:    "mock-model",
			Provider: name,
			Usage:    llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
}

// ScriptError queues err to be returned by the next unscripted call.
func (m *MockProvider) ScriptError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptStep{err: err})
	return m
}

// ScriptResponse queues resp to be returned by the next unscripted call.
func (m *MockProvider) ScriptResponse(resp *llm.Response) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptStep{resp: resp})
	return m
}

// Calls reports how many Generate calls the provider served.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// StreamCalls reports how many GenerateStream calls the provider served.
func (m *MockProvider) StreamCalls() int64 { return m.streamCalls.Load() }

func (m *MockProvider) next() (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) > 0 {
		step := m.script[0]
		m.script = m.script[1:]
		return step.resp, step.err
	}
	return m.Response, m.Err
}

// --- llm.Provider ---

func (m *MockProvider) Name() string { return m.ProviderName }

func (m *MockProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next()
	if err != nil {
		return nil, err
	}
	cp := *resp
	return &cp, nil
}

func (m *MockProvider) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	m.streamCalls.Add(1)
	resp, err := m.next()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(ch)
		usage := resp.Usage
		ch <- llm.StreamChunk{Content: resp.Content, Model: resp.Model, Provider: m.ProviderName}
		ch <- llm.StreamChunk{
			FinishReason: llm.FinishStop,
			Model:        resp.Model,
			Provider:     m.ProviderName,
			Usage:        &usage,
		}
	}()
	return ch, nil
}

func (m *MockProvider) EstimateCost(req *llm.Request) (float64, error) {
	return m.CostPerCall, nil
}

func (m *MockProvider) Models() []string     { return []string{m.Model} }
func (m *MockProvider) DefaultModel() string { return m.Model }

func (m *MockProvider) ValidateConnection(ctx context.Context) (bool, error) {
	return !m.Unhealthy, nil
}

func (m *MockProvider) Healthy() bool { return !m.Unhealthy }
