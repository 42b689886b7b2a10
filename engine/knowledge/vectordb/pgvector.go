package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// pgStore keeps one table per index. Rows carry a monotonically increasing
// seq column so equal-distance matches come back in insertion order.
type pgStore struct {
	pool      *pgxpool.Pool
	prefix    string
	ensureIdx bool
	maxTopK   int

	mu      sync.RWMutex
	indexes map[string]pgIndex
}

type pgIndex struct {
	table      string
	tableIdent string
	dimension  int
}

func newPGStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("pgvector: config is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "ragline"
	}
	store := &pgStore{
		pool:      pool,
		prefix:    prefix,
		ensureIdx: cfg.EnsureIndex,
		maxTopK:   cfg.MaxTopK,
		indexes:   make(map[string]pgIndex),
	}
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector: enable extension: %w", err)
	}
	return store, nil
}

func (p *pgStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	p.mu.RLock()
	existing, ok := p.indexes[spec.Name]
	p.mu.RUnlock()
	if ok {
		if existing.dimension != spec.Dimension {
			return fmt.Errorf(
				"%w: index %q exists with dimension %d, requested %d",
				ErrDimensionMismatch, spec.Name, existing.dimension, spec.Dimension,
			)
		}
		return nil
	}
	table := p.tableName(spec.Name)
	ident := pgx.Identifier{table}.Sanitize()
	if dim, found, err := p.existingDimension(ctx, table); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	} else if found && dim != spec.Dimension {
		return fmt.Errorf(
			"%w: index %q exists with dimension %d, requested %d",
			ErrDimensionMismatch, spec.Name, dim, spec.Dimension,
		)
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		embedding vector(%d),
		document TEXT,
		metadata JSONB,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`, ident, spec.Dimension)
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("%w: create table for index %q: %w", ErrWrite, spec.Name, err)
	}
	if p.ensureIdx {
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops)",
			pgx.Identifier{table + "_embedding_idx"}.Sanitize(),
			ident,
		)
		if _, err := p.pool.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("%w: create ann index for %q: %w", ErrWrite, spec.Name, err)
		}
	}
	p.mu.Lock()
	p.indexes[spec.Name] = pgIndex{table: table, tableIdent: ident, dimension: spec.Dimension}
	p.mu.Unlock()
	return nil
}

// existingDimension reads the vector column typmod when the table already
// exists, so reopening a store against prior data still enforces dimensions.
func (p *pgStore) existingDimension(ctx context.Context, table string) (int, bool, error) {
	var dim int
	err := p.pool.QueryRow(ctx,
		`SELECT a.atttypmod FROM pg_attribute a
		 JOIN pg_class c ON c.oid = a.attrelid
		 WHERE c.relname = $1 AND a.attname = 'embedding'`,
		table,
	).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pgvector: inspect table %q: %w", table, err)
	}
	return dim, true, nil
}

func (p *pgStore) Upsert(ctx context.Context, index string, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	idx, err := p.lookup(index)
	if err != nil {
		return err
	}
	for i := range records {
		if len(records[i].Embedding) != idx.dimension {
			return fmt.Errorf(
				"%w: record %q has %d components, index %q expects %d",
				ErrDimensionMismatch, records[i].ID, len(records[i].Embedding), index, idx.dimension,
			)
		}
	}
	tx, txErr := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if txErr != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrWrite, txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("pgvector: rollback failed: %w; original error: %v", rbErr, err)
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("%w: commit: %w", ErrWrite, commitErr)
		}
	}()
	stmt := fmt.Sprintf(`INSERT INTO %s (id, embedding, document, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    embedding = excluded.embedding,
    document = excluded.document,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`, idx.tableIdent)
	for i := range records {
		rec := records[i]
		metadata, marshalErr := json.Marshal(rec.Metadata)
		if marshalErr != nil {
			return fmt.Errorf("%w: marshal metadata for %q: %w", ErrWrite, rec.ID, marshalErr)
		}
		vector := pgvector.NewVector(rec.Embedding)
		if _, execErr := tx.Exec(ctx, stmt, rec.ID, vector, rec.Text, metadata, time.Now().UTC()); execErr != nil {
			return fmt.Errorf("%w: upsert %q: %w", ErrWrite, rec.ID, execErr)
		}
	}
	return nil
}

func (p *pgStore) Search(
	ctx context.Context,
	index string,
	query []float32,
	opts SearchOptions,
) ([]Match, error) {
	idx, err := p.lookup(index)
	if err != nil {
		return nil, err
	}
	if len(query) != idx.dimension {
		return nil, fmt.Errorf(
			"%w: query vector has %d components, index %q expects %d",
			ErrDimensionMismatch, len(query), index, idx.dimension,
		)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if p.maxTopK > 0 && topK > p.maxTopK {
		topK = p.maxTopK
	}
	builder := strings.Builder{}
	builder.WriteString("SELECT id, document, metadata, 1 - (embedding <=> $1) AS score FROM ")
	builder.WriteString(idx.tableIdent)
	builder.WriteString(" WHERE 1=1")
	args := []any{pgvector.NewVector(query)}
	argPos := 2
	for key, value := range opts.Filters {
		builder.WriteString(fmt.Sprintf(" AND metadata ->> $%d = $%d", argPos, argPos+1))
		args = append(args, key, fmt.Sprint(value))
		argPos += 2
	}
	if opts.MinScore > 0 {
		builder.WriteString(fmt.Sprintf(" AND 1 - (embedding <=> $1) >= $%d", argPos))
		args = append(args, opts.MinScore)
		argPos++
	}
	builder.WriteString(" ORDER BY embedding <=> $1 ASC, seq ASC LIMIT $")
	builder.WriteString(fmt.Sprint(argPos))
	args = append(args, topK)
	rows, err := p.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search index %q: %w", ErrQuery, index, err)
	}
	defer rows.Close()
	results := make([]Match, 0, topK)
	for rows.Next() {
		var (
			id          string
			document    string
			metadataRaw []byte
			score       float64
		)
		if err := rows.Scan(&id, &document, &metadataRaw, &score); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrQuery, err)
		}
		meta := make(map[string]any)
		if len(metadataRaw) > 0 {
			if unmarshalErr := json.Unmarshal(metadataRaw, &meta); unmarshalErr != nil {
				return nil, fmt.Errorf("%w: decode metadata: %w", ErrQuery, unmarshalErr)
			}
		}
		results = append(results, Match{ID: id, Score: score, Text: document, Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search rows: %w", ErrQuery, err)
	}
	return results, nil
}

func (p *pgStore) Delete(ctx context.Context, index string, filter Filter) error {
	if len(filter.IDs) == 0 && len(filter.Metadata) == 0 {
		return nil
	}
	idx, err := p.lookup(index)
	if err != nil {
		return err
	}
	builder := strings.Builder{}
	builder.WriteString("DELETE FROM ")
	builder.WriteString(idx.tableIdent)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0)
	argPos := 1
	if len(filter.IDs) > 0 {
		builder.WriteString(fmt.Sprintf(" AND id = ANY($%d)", argPos))
		args = append(args, filter.IDs)
		argPos++
	}
	for key, value := range filter.Metadata {
		builder.WriteString(fmt.Sprintf(" AND metadata ->> $%d = $%d", argPos, argPos+1))
		args = append(args, key, fmt.Sprint(value))
		argPos += 2
	}
	if _, err := p.pool.Exec(ctx, builder.String(), args...); err != nil {
		return fmt.Errorf("%w: delete from index %q: %w", ErrWrite, index, err)
	}
	return nil
}

func (p *pgStore) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func (p *pgStore) lookup(index string) (pgIndex, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.indexes[index]
	if !ok {
		return pgIndex{}, fmt.Errorf("%w: %q", ErrIndexNotFound, index)
	}
	return idx, nil
}

func (p *pgStore) tableName(index string) string {
	return p.prefix + "_" + sanitizeIndexFilename(index)
}
