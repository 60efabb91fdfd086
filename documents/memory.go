package documents

import (
	"context"
	"fmt"
	"sync"

	"github.com/splits-network/splits-sub027/assignment"
)

// MemoryStager keeps staged and committed documents in process memory.
type MemoryStager struct {
	mu        sync.Mutex
	staged    map[string][]byte
	committed map[string]map[string][]byte
}

func NewMemoryStager() *MemoryStager {
	return &MemoryStager{
		staged:    make(map[string][]byte),
		committed: make(map[string]map[string][]byte),
	}
}

// Stage records an uploaded document under ref.
func (m *MemoryStager) Stage(ref string, data []byte) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[ref] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStager) Commit(ctx context.Context, assignmentID, batch string, refs []string) error {
	if err := checkRef(batch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		if _, ok := m.staged[ref]; !ok {
			return fmt.Errorf("%w: document %s was never staged", assignment.ErrValidation, ref)
		}
	}
	docs := m.committed[assignmentID]
	if docs == nil {
		docs = make(map[string][]byte)
		m.committed[assignmentID] = docs
	}
	for _, ref := range refs {
		docs[batch+"/"+ref] = m.staged[ref]
	}
	return nil
}

func (m *MemoryStager) Release(ctx context.Context, assignmentID, batch string, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		delete(m.committed[assignmentID], batch+"/"+ref)
	}
	return nil
}

// Committed reports whether ref is committed for the assignment in batch.
func (m *MemoryStager) Committed(assignmentID, batch, ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.committed[assignmentID][batch+"/"+ref]
	return ok
}
