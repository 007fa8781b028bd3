package model

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted Client for tests and local mode.
//
// Responses are returned in order; when exhausted, the last one repeats.
// Errors can be injected per call index. All methods are safe for
// concurrent use.
type Mock struct {
	// Responses is the scripted response sequence.
	Responses []Response

	// Errs maps zero-based call index to an injected error.
	Errs map[int]error

	// InvokeFunc, when set, overrides the scripted behavior entirely.
	InvokeFunc func(ctx context.Context, req Request) (Response, error)

	mu    sync.Mutex
	calls []Request
}

// Invoke implements Client.
func (m *Mock) Invoke(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	if m.InvokeFunc != nil {
		m.mu.Lock()
		m.calls = append(m.calls, req)
		m.mu.Unlock()
		return m.InvokeFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, req)

	if err, ok := m.Errs[idx]; ok {
		return Response{}, err
	}

	if len(m.Responses) == 0 {
		// Deterministic default: echo a record derived from the prompt.
		return Response{
			Text:         fmt.Sprintf("generated-%d", idx),
			InputTokens:  int64(len(req.Prompt) / 4),
			OutputTokens: 16,
		}, nil
	}

	i := idx
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of invocations so far.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
