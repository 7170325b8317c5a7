package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Every read and write copies, so callers
// never share state with the store.
type MemStore struct {
	mu       sync.RWMutex
	states   map[string]State
	settings map[string]map[string]string
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		states:   make(map[string]State),
		settings: make(map[string]map[string]string),
	}
}

// Load implements [Store].
func (m *MemStore) Load(_ context.Context, storyID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[storyID]
	if !ok {
		return State{}, ErrNotFound
	}
	return st.Clone(), nil
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, st State) error {
	enc, err := EncodeSettings(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.StoryID] = st.Clone()
	if m.settings[st.StoryID] == nil {
		m.settings[st.StoryID] = make(map[string]string)
	}
	maps.Copy(m.settings[st.StoryID], enc)
	return nil
}

// Stories implements [Store].
func (m *MemStore) Stories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.states)), nil
}

// Setting implements [Store].
func (m *MemStore) Setting(_ context.Context, storyID, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[storyID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// PutSetting implements [Store].
func (m *MemStore) PutSetting(_ context.Context, storyID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings[storyID] == nil {
		m.settings[storyID] = make(map[string]string)
	}
	m.settings[storyID][key] = value
	return nil
}

// Close implements [Store]. It is a no-op.
func (m *MemStore) Close() error { return nil }
