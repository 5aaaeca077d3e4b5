package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryDocumentStore keeps documents in process. It backs offline replicas
// and tests, and can be told to fail individual documents.
type MemoryDocumentStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	failures map[string]error
	gets     map[string]int
	maxBytes int64
}

func NewMemoryDocumentStore(maxBytes int64) *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:     make(map[string][]byte),
		failures: make(map[string]error),
		gets:     make(map[string]int),
		maxBytes: maxBytes,
	}
}

func (s *MemoryDocumentStore) Get(ctx context.Context, docID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets[docID]++
	if err := s.failures[docID]; err != nil {
		return nil, err
	}
	data, ok := s.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return append(json.RawMessage(nil), data...), nil
}

func (s *MemoryDocumentStore) Put(ctx context.Context, docID string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", docID, err)
	}
	if err := checkSize(len(data), s.maxBytes); err != nil {
		return fmt.Errorf("failed to encode document %s: %w", docID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[docID]; err != nil {
		return err
	}
	s.docs[docID] = data
	return nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[docID]; err != nil {
		return err
	}
	delete(s.docs, docID)
	return nil
}

// PutRaw stores data verbatim, bypassing encoding and the size ceiling.
func (s *MemoryDocumentStore) PutRaw(docID string, data []byte) {
	s.mu.Lock()
	s.docs[docID] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// Fail makes every operation on docID return err until cleared with a nil
// error.
func (s *MemoryDocumentStore) Fail(docID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, docID)
		return
	}
	s.failures[docID] = err
}

func (s *MemoryDocumentStore) Has(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[docID]
	return ok
}

func (s *MemoryDocumentStore) Gets(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[docID]
}
