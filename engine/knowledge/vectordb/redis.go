package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/redis/go-redis/v9"

	"github.com/ragline/ragline/engine/core"
)

// redisStore maps each index onto a redis vector set. Index metadata
// (dimension) lives in a companion hash so reopening a store against an
// existing deployment keeps enforcing dimensions.
type redisStore struct {
	client  *redis.Client
	prefix  string
	maxTopK int

	mu      sync.RWMutex
	indexes map[string]int
}

const (
	redisDefaultMaxTopK     = 1000
	redisTextAttrKey        = "text"
	redisMetadataAttrKey    = "_metadata"
	redisMetadataPrefix     = "meta_"
	redisDefaultPrefix      = "ragline"
	redisDimensionField     = "dimension"
	redisFilterEqualsFormat = `%s == "%s"`
)

func newRedisStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("redis: config is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("redis: connection DSN is required")
	}
	options, err := parseRedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	prefix := sanitizeRedisKey(cfg.KeyPrefix)
	if prefix == "" {
		prefix = redisDefaultPrefix
	}
	return &redisStore{
		client:  client,
		prefix:  prefix,
		maxTopK: chooseRedisMaxTopK(cfg.MaxTopK),
		indexes: make(map[string]int),
	}, nil
}

func parseRedisOptions(cfg *Config) (*redis.Options, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("redis: invalid dsn: %w", err)
	}
	opt.Protocol = 3
	opt.UnstableResp3 = true
	if opt.Username == "" {
		if user, ok := cfg.Auth["username"]; ok && strings.TrimSpace(user) != "" {
			opt.Username = strings.TrimSpace(user)
		}
	}
	if opt.Password == "" {
		if pass, ok := cfg.Auth["password"]; ok {
			opt.Password = pass
		}
	}
	return opt, nil
}

func chooseRedisMaxTopK(maxTopK int) int {
	if maxTopK <= 0 {
		return redisDefaultMaxTopK
	}
	return maxTopK
}

func (r *redisStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if dim, ok := r.cachedDimension(spec.Name); ok {
		return checkIndexDimension(spec.Name, dim, spec.Dimension)
	}
	metaKey := r.metaKey(spec.Name)
	raw, err := r.client.HGet(ctx, metaKey, redisDimensionField).Result()
	switch {
	case err == nil:
		dim, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return fmt.Errorf("%w: index %q has corrupt dimension %q", ErrWrite, spec.Name, raw)
		}
		if err := checkIndexDimension(spec.Name, dim, spec.Dimension); err != nil {
			return err
		}
		r.cacheDimension(spec.Name, dim)
		return nil
	case errors.Is(err, redis.Nil):
		if err := r.client.HSet(ctx, metaKey, redisDimensionField, spec.Dimension).Err(); err != nil {
			return fmt.Errorf("%w: register index %q: %w", ErrWrite, spec.Name, err)
		}
		r.cacheDimension(spec.Name, spec.Dimension)
		return nil
	default:
		return fmt.Errorf("%w: inspect index %q: %w", ErrWrite, spec.Name, err)
	}
}

func (r *redisStore) Upsert(ctx context.Context, index string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dimension, err := r.dimension(ctx, index)
	if err != nil {
		return err
	}
	for i := range records {
		if len(records[i].Embedding) != dimension {
			return fmt.Errorf(
				"%w: record %q has %d components, index %q expects %d",
				ErrDimensionMismatch, records[i].ID, len(records[i].Embedding), index, dimension,
			)
		}
	}
	setKey := r.setKey(index)
	pipe := r.client.Pipeline()
	for i := range records {
		rec := records[i]
		vector := &redis.VectorValues{Val: float32ToFloat64(rec.Embedding)}
		pipe.VAdd(ctx, setKey, rec.ID, vector)
		pipe.VSetAttr(ctx, setKey, rec.ID, buildRedisAttributes(rec))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: upsert pipeline for index %q: %w", ErrWrite, index, err)
	}
	return nil
}

func (r *redisStore) Search(
	ctx context.Context,
	index string,
	query []float32,
	opts SearchOptions,
) ([]Match, error) {
	dimension, err := r.dimension(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(query) != dimension {
		return nil, fmt.Errorf(
			"%w: query vector has %d components, index %q expects %d",
			ErrDimensionMismatch, len(query), index, dimension,
		)
	}
	setKey := r.setKey(index)
	args := buildVSimArgs(r.searchCount(opts.TopK), opts.Filters)
	results, err := r.client.VSimWithArgsWithScores(
		ctx,
		setKey,
		&redis.VectorValues{Val: float32ToFloat64(query)},
		args,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: similarity search on index %q: %w", ErrQuery, index, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	payloads, err := r.loadAttributePayloads(ctx, setKey, results)
	if err != nil {
		return nil, err
	}
	return buildMatchesFromPayloads(results, payloads, opts.MinScore)
}

func (r *redisStore) Delete(ctx context.Context, index string, filter Filter) error {
	dimension, err := r.dimension(ctx, index)
	if err != nil {
		return err
	}
	setKey := r.setKey(index)
	targets := make(map[string]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			targets[trimmed] = struct{}{}
		}
	}
	if len(filter.Metadata) > 0 {
		ids, err := r.lookupIDsByMetadata(ctx, setKey, dimension, filter.Metadata)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				targets[trimmed] = struct{}{}
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for id := range targets {
		pipe.VRem(ctx, setKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete vectors from index %q: %w", ErrWrite, index, err)
	}
	return nil
}

func (r *redisStore) Close(context.Context) error {
	return r.client.Close()
}

func (r *redisStore) setKey(index string) string {
	return r.prefix + ":" + sanitizeRedisKey(index)
}

func (r *redisStore) metaKey(index string) string {
	return r.setKey(index) + ":meta"
}

func (r *redisStore) cachedDimension(index string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dim, ok := r.indexes[index]
	return dim, ok
}

func (r *redisStore) cacheDimension(index string, dimension int) {
	r.mu.Lock()
	r.indexes[index] = dimension
	r.mu.Unlock()
}

func (r *redisStore) dimension(ctx context.Context, index string) (int, error) {
	if dim, ok := r.cachedDimension(index); ok {
		return dim, nil
	}
	raw, err := r.client.HGet(ctx, r.metaKey(index), redisDimensionField).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %q", ErrIndexNotFound, index)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: inspect index %q: %w", ErrQuery, index, err)
	}
	dim, convErr := strconv.Atoi(raw)
	if convErr != nil || dim <= 0 {
		return 0, fmt.Errorf("%w: index %q has corrupt dimension %q", ErrQuery, index, raw)
	}
	r.cacheDimension(index, dim)
	return dim, nil
}

func checkIndexDimension(index string, existing, requested int) error {
	if existing != requested {
		return fmt.Errorf(
			"%w: index %q exists with dimension %d, requested %d",
			ErrDimensionMismatch, index, existing, requested,
		)
	}
	return nil
}

func (r *redisStore) searchCount(topK int) int {
	count := topK
	if count <= 0 {
		count = defaultTopK
	}
	if r.maxTopK > 0 && count > r.maxTopK {
		count = r.maxTopK
	}
	return count
}

func (r *redisStore) lookupIDsByMetadata(
	ctx context.Context,
	setKey string,
	dimension int,
	metadata map[string]string,
) ([]string, error) {
	filter := buildRedisFilter(metadata)
	if filter == "" {
		return nil, nil
	}
	total, err := r.client.VCard(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: vcard: %w", ErrQuery, err)
	}
	if total == 0 {
		return nil, nil
	}
	zero := make([]float64, dimension)
	names, err := r.client.VSimWithArgs(
		ctx,
		setKey,
		&redis.VectorValues{Val: zero},
		&redis.VSimArgs{Count: total, Filter: filter},
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: metadata filter query: %w", ErrQuery, err)
	}
	return names, nil
}

func buildVSimArgs(count int, filters map[string]string) *redis.VSimArgs {
	args := &redis.VSimArgs{Count: int64(count)}
	if filter := buildRedisFilter(filters); filter != "" {
		args.Filter = filter
	}
	return args
}

func (r *redisStore) loadAttributePayloads(
	ctx context.Context,
	setKey string,
	results []redis.VectorScore,
) ([]string, error) {
	pipe := r.client.Pipeline()
	attrCmds := make([]*redis.StringCmd, len(results))
	for i := range results {
		attrCmds[i] = pipe.VGetAttr(ctx, setKey, results[i].Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: fetch attributes: %w", ErrQuery, err)
	}
	payloads := make([]string, len(results))
	for i := range attrCmds {
		raw, err := attrCmds[i].Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				payloads[i] = ""
				continue
			}
			return nil, fmt.Errorf("%w: read attributes for %q: %w", ErrQuery, results[i].Name, err)
		}
		payloads[i] = raw
	}
	return payloads, nil
}

func buildMatchesFromPayloads(
	results []redis.VectorScore,
	payloads []string,
	minScore float64,
) ([]Match, error) {
	matches := make([]Match, 0, len(results))
	for i, item := range results {
		if minScore > 0 && item.Score < minScore {
			continue
		}
		if i >= len(payloads) || payloads[i] == "" {
			continue
		}
		match, err := buildMatchFromAttributes(item.Name, item.Score, payloads[i])
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func float32ToFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		out[i] = float64(values[i])
	}
	return out
}

func buildRedisAttributes(record Record) map[string]any {
	attrs := make(map[string]any, len(record.Metadata)+2)
	attrs[redisTextAttrKey] = record.Text
	meta := core.CloneMap(record.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	attrs[redisMetadataAttrKey] = meta
	for key, value := range record.Metadata {
		attrs[metadataAttributeKey(key)] = fmt.Sprint(value)
	}
	return attrs
}

func metadataAttributeKey(key string) string {
	return redisMetadataPrefix + sanitizeAttributeKey(key)
}

func sanitizeAttributeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "unknown"
	}
	builder := strings.Builder{}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			builder.WriteRune(unicode.ToLower(r))
		default:
			builder.WriteRune('_')
		}
	}
	result := strings.Trim(builder.String(), "_")
	if result == "" {
		return "unknown"
	}
	return result
}

func sanitizeRedisKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			builder.WriteRune(unicode.ToLower(r))
		case r == ':', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	return strings.Trim(builder.String(), "_:-")
}

func buildRedisFilter(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		attr := "." + metadataAttributeKey(key)
		parts = append(parts, fmt.Sprintf(redisFilterEqualsFormat, attr, escapeFilterValue(filters[key])))
	}
	return strings.Join(parts, " && ")
}

func escapeFilterValue(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return replacer.Replace(value)
}

func buildMatchFromAttributes(id string, score float64, attrJSON string) (Match, error) {
	text, metadata, err := parseAttributeJSON(attrJSON)
	if err != nil {
		return Match{}, fmt.Errorf("%w: parse attributes for %q: %w", ErrQuery, id, err)
	}
	return Match{ID: id, Score: score, Text: text, Metadata: metadata}, nil
}

func parseAttributeJSON(payload string) (string, map[string]any, error) {
	if strings.TrimSpace(payload) == "" {
		return "", make(map[string]any), nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return "", nil, err
	}
	text := ""
	if value, ok := decoded[redisTextAttrKey].(string); ok {
		text = value
	}
	meta := make(map[string]any)
	if raw, ok := decoded[redisMetadataAttrKey].(map[string]any); ok && raw != nil {
		meta = raw
	}
	return text, meta, nil
}
