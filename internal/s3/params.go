package s3

import (
	"context"
	"sync"
)

// Params is the endpoint negotiation outcome for one bucket: once a redirect
// reveals where a bucket really lives, later handles for the same bucket
// start there instead of re-discovering it.
type Params struct {
	Region         string `json:"region"`
	Endpoint       string `json:"endpoint"`
	VirtualHosting bool   `json:"virtual_hosting"`
}

// ParamsStore maps bucket names to their negotiated parameters. For
// single-process deployments the in-memory store suffices; the Redis store
// shares discoveries across processes.
type ParamsStore interface {
	// Get returns the recorded parameters for bucket, if any.
	Get(ctx context.Context, bucket string) (Params, bool, error)

	// Set records the parameters for bucket.
	Set(ctx context.Context, bucket string, params Params) error

	// Clear drops all recorded parameters. Intended for test isolation.
	Clear(ctx context.Context) error
}

// MemoryParamsStore implements ParamsStore with a mutex-guarded map.
type MemoryParamsStore struct {
	mu sync.Mutex
	m  map[string]Params
}

// NewMemoryParamsStore creates an empty in-memory store.
func NewMemoryParamsStore() *MemoryParamsStore {
	return &MemoryParamsStore{m: make(map[string]Params)}
}

// Get returns the recorded parameters for bucket.
func (s *MemoryParamsStore) Get(ctx context.Context, bucket string) (Params, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[bucket]
	return p, ok, nil
}

// Set records the parameters for bucket.
func (s *MemoryParamsStore) Set(ctx context.Context, bucket string, params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[bucket] = params
	return nil
}

// Clear drops all recorded parameters.
func (s *MemoryParamsStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]Params)
	return nil
}

// Ensure MemoryParamsStore implements ParamsStore.
var _ ParamsStore = (*MemoryParamsStore)(nil)
