package encoder

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockExtractor returns canned embeddings.
type MockExtractor struct {
	mu         sync.Mutex
	embeddings [][]float64
	err        error
	calls      int
}

// NewMockExtractor creates a MockExtractor returning embeddings.
func NewMockExtractor(embeddings ...[]float64) *MockExtractor {
	return &MockExtractor{embeddings: embeddings}
}

// SetEmbeddings replaces the embeddings returned by Extract.
func (m *MockExtractor) SetEmbeddings(embeddings ...[]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings = embeddings
}

// SetError makes Extract fail with err.
func (m *MockExtractor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Extract ran.
func (m *MockExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Extract returns the configured embeddings or error.
func (m *MockExtractor) Extract(frame gocv.Mat) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float64, len(m.embeddings))
	for i, e := range m.embeddings {
		out[i] = append([]float64(nil), e...)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockExtractor) Close() error {
	return nil
}

// Embedding returns a deterministic 128-dim vector seeded by seed.
func Embedding(seed float64) []float64 {
	v := make([]float64, 128)
	for i := range v {
		v[i] = seed + float64(i)/1000
	}
	return v
}
