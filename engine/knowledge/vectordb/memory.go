package vectordb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ragline/ragline/engine/core"
)

// memoryStore is the in-process reference store. Entries live in a sync.Map
// per index so searches never wait behind an in-flight upsert batch; the
// write path only locks the insertion-order bookkeeping.
type memoryStore struct {
	mu      sync.RWMutex
	indexes map[string]*memoryIndex
	maxTopK int
}

type memoryIndex struct {
	spec    IndexSpec
	orderMu sync.RWMutex
	order   []string
	known   map[string]struct{}
	entries sync.Map
}

func newMemoryStore(cfg *Config) *memoryStore {
	maxTopK := 0
	if cfg != nil {
		maxTopK = cfg.MaxTopK
	}
	return &memoryStore{
		indexes: make(map[string]*memoryIndex),
		maxTopK: maxTopK,
	}
}

func (s *memoryStore) CreateIndex(_ context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.indexes[spec.Name]; ok {
		if existing.spec.Dimension != spec.Dimension {
			return fmt.Errorf(
				"%w: index %q exists with dimension %d, requested %d",
				ErrDimensionMismatch, spec.Name, existing.spec.Dimension, spec.Dimension,
			)
		}
		// repeated creation is a benign no-op
		return nil
	}
	s.indexes[spec.Name] = &memoryIndex{
		spec:  spec,
		known: make(map[string]struct{}),
	}
	return nil
}

func (s *memoryStore) Upsert(_ context.Context, index string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	idx, err := s.index(index)
	if err != nil {
		return err
	}
	// Validate the whole batch before touching any entry so a rejected call
	// leaves previously stored entries untouched.
	for i := range records {
		if strings.TrimSpace(records[i].ID) == "" {
			return fmt.Errorf("vectordb: memory: record %d has no id", i)
		}
		if len(records[i].Embedding) != idx.spec.Dimension {
			return fmt.Errorf(
				"%w: record %q has %d components, index %q expects %d",
				ErrDimensionMismatch, records[i].ID, len(records[i].Embedding), index, idx.spec.Dimension,
			)
		}
	}
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	idx.registerOrder(ids)
	// Each Store is atomic per id, so concurrent upserts to the same id
	// resolve last-writer-wins without serializing searches.
	for i := range records {
		idx.entries.Store(records[i].ID, cloneRecord(records[i]))
	}
	return nil
}

func (s *memoryStore) Search(
	_ context.Context,
	index string,
	query []float32,
	opts SearchOptions,
) ([]Match, error) {
	idx, err := s.index(index)
	if err != nil {
		return nil, err
	}
	if len(query) != idx.spec.Dimension {
		return nil, fmt.Errorf(
			"%w: query vector has %d components, index %q expects %d",
			ErrDimensionMismatch, len(query), index, idx.spec.Dimension,
		)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if s.maxTopK > 0 && topK > s.maxTopK {
		topK = s.maxTopK
	}
	order := idx.snapshotOrder()
	candidates := make([]Match, 0, len(order))
	for _, id := range order {
		value, ok := idx.entries.Load(id)
		if !ok {
			continue
		}
		rec, ok := value.(Record)
		if !ok {
			continue
		}
		if !metadataMatches(rec.Metadata, opts.Filters) {
			continue
		}
		score := cosineSimilarity(rec.Embedding, query)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		candidates = append(candidates, Match{
			ID:       rec.ID,
			Score:    score,
			Text:     rec.Text,
			Metadata: core.CloneMap(rec.Metadata),
		})
	}
	// stable sort keeps insertion order for equal scores
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *memoryStore) Delete(_ context.Context, index string, filter Filter) error {
	idx, err := s.index(index)
	if err != nil {
		return err
	}
	targets := make(map[string]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			targets[trimmed] = struct{}{}
		}
	}
	if len(filter.Metadata) > 0 {
		for _, id := range idx.snapshotOrder() {
			value, ok := idx.entries.Load(id)
			if !ok {
				continue
			}
			if rec, ok := value.(Record); ok && metadataMatches(rec.Metadata, filter.Metadata) {
				targets[id] = struct{}{}
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}
	for id := range targets {
		idx.entries.Delete(id)
	}
	idx.dropFromOrder(targets)
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func (s *memoryStore) index(name string) (*memoryIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}
	return idx, nil
}

// registerOrder records first appearance of each id; the lock covers only the
// order slice, never the entry values.
func (idx *memoryIndex) registerOrder(ids []string) {
	idx.orderMu.Lock()
	defer idx.orderMu.Unlock()
	for _, id := range ids {
		if _, seen := idx.known[id]; seen {
			continue
		}
		idx.known[id] = struct{}{}
		idx.order = append(idx.order, id)
	}
}

func (idx *memoryIndex) snapshotOrder() []string {
	idx.orderMu.RLock()
	defer idx.orderMu.RUnlock()
	out := make([]string, len(idx.order))
	copy(out, idx.order)
	return out
}

func (idx *memoryIndex) dropFromOrder(ids map[string]struct{}) {
	idx.orderMu.Lock()
	defer idx.orderMu.Unlock()
	kept := idx.order[:0]
	for _, id := range idx.order {
		if _, drop := ids[id]; drop {
			delete(idx.known, id)
			continue
		}
		kept = append(kept, id)
	}
	idx.order = kept
}

func cloneRecord(rec Record) Record {
	return Record{
		ID:        rec.ID,
		Text:      rec.Text,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata:  core.CloneMap(rec.Metadata),
	}
}
