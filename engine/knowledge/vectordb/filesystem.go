package vectordb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ragline/ragline/engine/core"
)

// fileStore persists embeddings as one JSON snapshot per index. Published
// index snapshots are immutable; writers build a replacement and swap it in,
// so searches never read a half-written state and never wait on disk IO.
type fileStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	dir     string
	maxTopK int
	indexes map[string]*fileIndexSnapshot
}

type fileIndexSnapshot struct {
	spec    IndexSpec
	order   []string
	records map[string]Record
}

func newFileStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("filesystem: config is required")
	}
	dir := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filesystem: ensure directory %q: %w", dir, err)
	}
	fs := &fileStore{
		dir:     dir,
		maxTopK: cfg.MaxTopK,
		indexes: make(map[string]*fileIndexSnapshot),
	}
	if err := fs.loadAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *fileStore) CreateIndex(_ context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	existing, ok := s.indexes[spec.Name]
	s.mu.RUnlock()
	if ok {
		if existing.spec.Dimension != spec.Dimension {
			return fmt.Errorf(
				"%w: index %q exists with dimension %d, requested %d",
				ErrDimensionMismatch, spec.Name, existing.spec.Dimension, spec.Dimension,
			)
		}
		return nil
	}
	snapshot := &fileIndexSnapshot{
		spec:    spec,
		records: make(map[string]Record),
	}
	if err := s.persist(snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.publish(snapshot)
	return nil
}

func (s *fileStore) Upsert(_ context.Context, index string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	current, err := s.snapshot(index)
	if err != nil {
		return err
	}
	for i := range records {
		if len(records[i].Embedding) != current.spec.Dimension {
			return fmt.Errorf(
				"%w: record %q has %d components, index %q expects %d",
				ErrDimensionMismatch, records[i].ID, len(records[i].Embedding), index, current.spec.Dimension,
			)
		}
	}
	next := current.clone()
	for i := range records {
		rec := cloneRecord(records[i])
		if _, seen := next.records[rec.ID]; !seen {
			next.order = append(next.order, rec.ID)
		}
		next.records[rec.ID] = rec
	}
	if err := s.persist(next); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.publish(next)
	return nil
}

func (s *fileStore) Search(
	_ context.Context,
	index string,
	query []float32,
	opts SearchOptions,
) ([]Match, error) {
	current, err := s.snapshot(index)
	if err != nil {
		return nil, err
	}
	if len(query) != current.spec.Dimension {
		return nil, fmt.Errorf(
			"%w: query vector has %d components, index %q expects %d",
			ErrDimensionMismatch, len(query), index, current.spec.Dimension,
		)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if s.maxTopK > 0 && topK > s.maxTopK {
		topK = s.maxTopK
	}
	candidates := make([]Match, 0, len(current.order))
	for _, id := range current.order {
		rec, ok := current.records[id]
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
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *fileStore) Delete(_ context.Context, index string, filter Filter) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	current, err := s.snapshot(index)
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
		for id, rec := range current.records {
			if metadataMatches(rec.Metadata, filter.Metadata) {
				targets[id] = struct{}{}
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}
	next := current.clone()
	kept := next.order[:0]
	for _, id := range next.order {
		if _, drop := targets[id]; drop {
			delete(next.records, id)
			continue
		}
		kept = append(kept, id)
	}
	next.order = kept
	if err := s.persist(next); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.publish(next)
	return nil
}

func (s *fileStore) Close(context.Context) error {
	return nil
}

func (s *fileStore) snapshot(index string) (*fileIndexSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.indexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, index)
	}
	return current, nil
}

func (s *fileStore) publish(snapshot *fileIndexSnapshot) {
	s.mu.Lock()
	s.indexes[snapshot.spec.Name] = snapshot
	s.mu.Unlock()
}

func (snap *fileIndexSnapshot) clone() *fileIndexSnapshot {
	next := &fileIndexSnapshot{
		spec:    snap.spec,
		order:   append([]string(nil), snap.order...),
		records: make(map[string]Record, len(snap.records)+1),
	}
	for id, rec := range snap.records {
		next.records[id] = rec
	}
	return next
}

func (s *fileStore) indexPath(name string) string {
	return filepath.Join(s.dir, sanitizeIndexFilename(name)+".json")
}

// sanitizeIndexFilename maps an index name onto a filesystem and SQL safe
// identifier. Names that needed rewriting get a short hash of the raw name
// appended so distinct indexes like "a.b" and "a_b" never collide.
func sanitizeIndexFilename(name string) string {
	builder := strings.Builder{}
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	sanitized := builder.String()
	if sanitized == name {
		return sanitized
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	if sanitized == "" {
		return "index_" + suffix
	}
	return sanitized + "_" + suffix
}

func (s *fileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filesystem: read directory %q: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snapshot, err := s.loadSnapshot(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return err
		}
		if snapshot != nil {
			s.indexes[snapshot.spec.Name] = snapshot
		}
	}
	return nil
}

func (s *fileStore) loadSnapshot(path string) (*fileIndexSnapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filesystem: read %q: %w", path, err)
	}
	var payload fileStorePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("filesystem: decode %q: %w", path, err)
	}
	if payload.Name == "" || payload.Dimension <= 0 {
		return nil, fmt.Errorf("filesystem: snapshot %q is missing index name or dimension", path)
	}
	snapshot := &fileIndexSnapshot{
		spec: IndexSpec{
			Name:      payload.Name,
			Dimension: payload.Dimension,
			Metric:    payload.Metric,
		},
		order:   make([]string, 0, len(payload.Records)),
		records: make(map[string]Record, len(payload.Records)),
	}
	for i := range payload.Records {
		rec := payload.Records[i]
		if len(rec.Embedding) != payload.Dimension {
			return nil, fmt.Errorf(
				"filesystem: snapshot %q record %q has %d components, expected %d",
				path, rec.ID, len(rec.Embedding), payload.Dimension,
			)
		}
		snapshot.order = append(snapshot.order, rec.ID)
		snapshot.records[rec.ID] = Record{
			ID:        rec.ID,
			Text:      rec.Text,
			Embedding: toFloat32(rec.Embedding),
			Metadata:  rec.Metadata,
		}
	}
	return snapshot, nil
}

func (s *fileStore) persist(snapshot *fileIndexSnapshot) error {
	payload := fileStorePayload{
		Name:      snapshot.spec.Name,
		Dimension: snapshot.spec.Dimension,
		Metric:    snapshot.spec.Metric,
		Records:   make([]fileStoreRecord, 0, len(snapshot.records)),
	}
	for _, id := range snapshot.order {
		rec, ok := snapshot.records[id]
		if !ok {
			continue
		}
		payload.Records = append(payload.Records, fileStoreRecord{
			ID:        rec.ID,
			Text:      rec.Text,
			Embedding: toFloat64(rec.Embedding),
			Metadata:  rec.Metadata,
		})
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("filesystem: encode snapshot: %w", err)
	}
	path := s.indexPath(snapshot.spec.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filesystem: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filesystem: commit snapshot: %w", err)
	}
	return nil
}

type fileStorePayload struct {
	Name      string            `json:"name"`
	Dimension int               `json:"dimension"`
	Metric    string            `json:"metric,omitempty"`
	Records   []fileStoreRecord `json:"records"`
}

type fileStoreRecord struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float64      `json:"embedding"`
	Metadata  map[string]any `json:"metadata"`
}

func toFloat64(values []float32) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	for i := range values {
		out[i] = float64(values[i])
	}
	return out
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for i := range values {
		out[i] = float32(values[i])
	}
	return out
}
