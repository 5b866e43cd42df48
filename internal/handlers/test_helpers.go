package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/asakaida/permgate/internal/services/permissions"
)

// Mock permissions service
type mockUpstream struct {
	mu        sync.Mutex
	responses map[string]*permissions.UpstreamResponse // keyed by entity type
	err       error
	calls     []string
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{responses: make(map[string]*permissions.UpstreamResponse)}
}

func (m *mockUpstream) respond(entityType string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[entityType] = &permissions.UpstreamResponse{
		StatusCode: status,
		Header:     http.Header{"X-Trace": {"t-" + entityType}},
		Body:       []byte(body),
	}
}

func (m *mockUpstream) Get(ctx context.Context, url string, headers http.Header) (*permissions.UpstreamResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, url)
	if m.err != nil {
		return nil, m.err
	}
	entityType := url[strings.LastIndex(url, "/")+1:]
	if resp, ok := m.responses[entityType]; ok {
		return resp, nil
	}
	return &permissions.UpstreamResponse{StatusCode: http.StatusNotFound}, nil
}

func (m *mockUpstream) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Mock invalidation publisher
type mockPublisher struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (m *mockPublisher) Publish(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.targets = append(m.targets, target)
	return nil
}
