package graph

import (
	"context"
	"strings"
	"sync"
)

// MemoryClient is a scripted Client for exercising Cypher-issuing code without a
// database. Responses are matched by query substring, falling back to FIFO queues.
type MemoryClient struct {
	mu           sync.Mutex
	calls        []ExecutedQuery
	responders   []responder
	readResults  []Result
	writeResults []Result
	err          error
	connectivity error
}

// ExecutedQuery captures one statement sent to the client.
type ExecutedQuery struct {
	Write  bool
	Query  string
	Params map[string]any
}

type responder struct {
	contains string
	fn       func(params map[string]any) (Result, error)
}

// NewMemoryClient returns a client that answers every statement with an empty result.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// WithError makes every subsequent call fail with err.
func (m *MemoryClient) WithError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithConnectivityError forces VerifyConnectivity to return err.
func (m *MemoryClient) WithConnectivityError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = err
	return m
}

// Respond answers statements containing fragment by calling fn with their params.
func (m *MemoryClient) Respond(fragment string, fn func(params map[string]any) (Result, error)) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders = append(m.responders, responder{contains: fragment, fn: fn})
	return m
}

// PushReadResult queues a result for the next unmatched read.
func (m *MemoryClient) PushReadResult(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readResults = append(m.readResults, res)
}

// PushWriteResult queues a result for the next unmatched write.
func (m *MemoryClient) PushWriteResult(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeResults = append(m.writeResults, res)
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, cypher string, params map[string]any) (Result, error) {
	return m.execute(true, cypher, params)
}

func (m *MemoryClient) ExecuteRead(_ context.Context, cypher string, params map[string]any) (Result, error) {
	return m.execute(false, cypher, params)
}

func (m *MemoryClient) execute(write bool, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return Result{}, err
	}
	m.calls = append(m.calls, ExecutedQuery{Write: write, Query: cypher, Params: cloneMap(params)})

	for _, r := range m.responders {
		if strings.Contains(cypher, r.contains) {
			fn := r.fn
			m.mu.Unlock()
			return fn(params)
		}
	}
	defer m.mu.Unlock()

	queue := &m.readResults
	if write {
		queue = &m.writeResults
	}
	if len(*queue) == 0 {
		return Result{}, nil
	}
	res := (*queue)[0]
	*queue = (*queue)[1:]
	return res, nil
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// Calls returns every executed statement in order.
func (m *MemoryClient) Calls() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.calls...)
}

// WriteCalls returns executed write statements.
func (m *MemoryClient) WriteCalls() []ExecutedQuery {
	return m.filter(true)
}

// ReadCalls returns executed read statements.
func (m *MemoryClient) ReadCalls() []ExecutedQuery {
	return m.filter(false)
}

func (m *MemoryClient) filter(write bool) []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutedQuery
	for _, c := range m.calls {
		if c.Write == write {
			out = append(out, c)
		}
	}
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
