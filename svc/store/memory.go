package store

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is an in-process ObjectStore used by tests and local development.
// Presigned URLs are synthetic but stable.
type Memory struct {
	mu        sync.Mutex
	objects   map[string][]byte
	retention map[string]time.Time
	baseURL   string
}

func NewMemory(baseURL string) *Memory {
	return &Memory{
		objects:   make(map[string][]byte),
		retention: make(map[string]time.Time),
		baseURL:   baseURL,
	}
}

func (m *Memory) PresignPut(ctx context.Context, key string, size int64, expires time.Duration) (string, error) {
	return m.baseURL + "/put/" + key, nil
}

func (m *Memory) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", errors.Errorf("no such object: %s", key)
	}
	return m.baseURL + "/get/" + key, nil
}

func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return errors.Errorf("size mismatch: declared %d, got %d", size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *Memory) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, errors.Errorf("no such object: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *Memory) ExtendRetention(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return errors.Errorf("no such object: %s", key)
	}
	if until.After(m.retention[key]) {
		m.retention[key] = until
	}
	return nil
}

// Retention reports the current garbage-collection marker for key.
func (m *Memory) Retention(key string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retention[key]
}
