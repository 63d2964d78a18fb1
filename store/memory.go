package store

import (
	"sync"

	"github.com/goccy/go-json"
)

// Memory is an in-process implementation of the store Driver,
// intended for testing.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]json.RawMessage
}

// NewMemory returns a new empty Memory store.
func NewMemory() *Memory {
	return &Memory{documents: make(map[string]json.RawMessage)}
}

// Read reads the document at path into value.
func (m *Memory) Read(path string, value interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.documents[path]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, value)
}

// Write stores value as the document at path.
func (m *Memory) Write(path string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.documents[path] = body
	m.mu.Unlock()
	return nil
}

// Update rewrites the document at path under the store mutex.
func (m *Memory) Update(path string, modify func(raw json.RawMessage) (interface{}, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, err := modify(m.documents[path])
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.documents[path] = body
	return nil
}

// Delete removes the document at path.
func (m *Memory) Delete(path string) error {
	m.mu.Lock()
	delete(m.documents, path)
	m.mu.Unlock()
	return nil
}
