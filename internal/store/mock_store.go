// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	fields map[string]map[string]string // conversationKey -> field -> value
	runs   map[string][]*RunRecord      // keyed by conversationKey

	// SetErr, when non-nil, is returned by every Set call.
	SetErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		fields: make(map[string]map[string]string),
		runs:   make(map[string][]*RunRecord),
	}
}

// Get retrieves a session field.
func (m *MockStore) Get(ctx context.Context, conversationKey, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.fields[conversationKey][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores a session field.
func (m *MockStore) Set(ctx context.Context, conversationKey, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetErr != nil {
		return m.SetErr
	}
	if _, ok := m.fields[conversationKey]; !ok {
		m.fields[conversationKey] = make(map[string]string)
	}
	m.fields[conversationKey][field] = value
	return nil
}

// Delete removes a session field.
func (m *MockStore) Delete(ctx context.Context, conversationKey, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.fields[conversationKey], field)
	return nil
}

// Fields returns a copy of the conversation's fields.
func (m *MockStore) Fields(ctx context.Context, conversationKey string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.fields[conversationKey]))
	for k, v := range m.fields[conversationKey] {
		out[k] = v
	}
	return out, nil
}

// SaveRun stores a copy of the run.
func (m *MockStore) SaveRun(ctx context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	r := *run
	m.runs[r.ConversationKey] = append(m.runs[r.ConversationKey], &r)
	return nil
}

// ListRuns returns runs newest first.
func (m *MockStore) ListRuns(ctx context.Context, conversationKey string, limit int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*RunRecord, 0, len(m.runs[conversationKey]))
	for _, r := range m.runs[conversationKey] {
		cp := *r
		runs = append(runs, &cp)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
