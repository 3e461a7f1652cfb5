package blob

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Fetcher keyed by URL, used in tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory creates an empty in-process fetcher.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores bytes under a URL.
func (m *Memory) Put(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[url] = data
}

func (m *Memory) Size(_ context.Context, rawURL string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[rawURL]
	if !ok {
		return 0, fmt.Errorf("blob: not found: %s", rawURL)
	}
	return int64(len(data)), nil
}

func (m *Memory) Download(_ context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[rawURL]
	if !ok {
		return nil, fmt.Errorf("blob: not found: %s", rawURL)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), maxBytes)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
