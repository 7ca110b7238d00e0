package state

import (
	"sort"
	"sync"

	"golang.org/x/net/context"
)

// Memory is a Store which forgets everything on exit
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemory returns an empty Memory store
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

// Put implements Store.Put
func (m *Memory) Put(ctx context.Context, r Record) error {
	b, err := encode(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Nexus] = b
	return nil
}

// Delete implements Store.Delete
func (m *Memory) Delete(ctx context.Context, nexus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, nexus)
	return nil
}

// List implements Store.List
func (m *Memory) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]Record, 0, len(m.records))
	for _, b := range m.records {
		r, err := decode(b)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Nexus < records[j].Nexus })
	return records, nil
}

// Close implements Store.Close
func (m *Memory) Close() error {
	return nil
}
