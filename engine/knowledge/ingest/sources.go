package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ragline/ragline/engine/knowledge"
	"github.com/ragline/ragline/engine/knowledge/chunk"
	"github.com/ragline/ragline/pkg/logger"
)

// MaxSourceFileSizeBytes caps how large a single source file may be.
const MaxSourceFileSizeBytes = 4 * 1024 * 1024

type documentList struct {
	items []chunk.Document
	hash  map[string]struct{}
}

func enumerateSources(ctx context.Context, cfg *knowledge.Config, opts *Options) ([]chunk.Document, error) {
	if cfg == nil {
		return nil, errors.New("knowledge: configuration is required")
	}
	if opts == nil {
		return nil, errors.New("knowledge: ingest options are required")
	}
	list := documentList{items: make([]chunk.Document, 0), hash: make(map[string]struct{})}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		switch src.Type {
		case knowledge.SourceTypeFileGlob:
			if err := list.appendFileGlob(ctx, cfg.ID, src, opts.CWD); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("knowledge: source type %q not supported", src.Type)
		}
	}
	return list.items, nil
}

func (l *documentList) appendFileGlob(
	ctx context.Context,
	kbID string,
	src *knowledge.SourceConfig,
	cwd string,
) error {
	if strings.TrimSpace(cwd) == "" {
		return errors.New("knowledge: file_glob requires working directory")
	}
	patterns := make([]string, 0, len(src.Paths)+1)
	if single := strings.TrimSpace(src.Path); single != "" {
		patterns = append(patterns, single)
	}
	for i := range src.Paths {
		if trimmed := strings.TrimSpace(src.Paths[i]); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	if len(patterns) == 0 {
		return errors.New("knowledge: file_glob source missing path")
	}
	root := filepath.Clean(cwd)
	for _, pattern := range patterns {
		if err := l.appendGlobPattern(ctx, root, kbID, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (l *documentList) appendGlobPattern(ctx context.Context, root, kbID, pattern string) error {
	absPattern := filepath.Clean(filepath.Join(root, pattern))
	matches, err := doublestar.FilepathGlob(absPattern)
	if err != nil {
		return fmt.Errorf("knowledge: glob %q failed: %w", pattern, err)
	}
	if len(matches) == 0 {
		logger.FromContext(ctx).Warn("ingestion glob returned no files", "pattern", pattern)
		return nil
	}
	for _, abs := range matches {
		within, werr := pathInside(root, abs)
		if werr != nil {
			return werr
		}
		if !within {
			return fmt.Errorf("knowledge: glob match %q escapes working directory", abs)
		}
		rel, rerr := filepath.Rel(root, abs)
		if rerr != nil {
			return fmt.Errorf("knowledge: resolve relative path for %q: %w", abs, rerr)
		}
		text, readErr := readSourceFile(abs)
		if readErr != nil {
			return readErr
		}
		docID := filepath.ToSlash(rel)
		meta := map[string]any{
			"source_type": string(knowledge.SourceTypeFileGlob),
			"source_path": docID,
		}
		l.appendDocument(kbID, docID, text, meta)
	}
	return nil
}

func (l *documentList) appendDocument(kbID, docID, text string, meta map[string]any) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	hash := hashContent(trimmed)
	if _, exists := l.hash[hash]; exists {
		return
	}
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["content_hash"] = hash
	meta["kb_id"] = kbID
	l.hash[hash] = struct{}{}
	l.items = append(l.items, chunk.Document{ID: docID, Text: trimmed, Metadata: meta})
}

func readSourceFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("knowledge: open source %q: %w", path, err)
	}
	defer file.Close()
	info, statErr := file.Stat()
	if statErr != nil {
		return "", fmt.Errorf("knowledge: stat source %q: %w", path, statErr)
	}
	if info.Size() > int64(MaxSourceFileSizeBytes) {
		return "", fmt.Errorf(
			"knowledge: source file %q exceeds maximum size of %d bytes",
			path, MaxSourceFileSizeBytes,
		)
	}
	reader := io.LimitReader(file, int64(MaxSourceFileSizeBytes)+1)
	data, readErr := io.ReadAll(reader)
	if readErr != nil {
		return "", fmt.Errorf("knowledge: read source %q: %w", path, readErr)
	}
	if len(data) > MaxSourceFileSizeBytes {
		return "", fmt.Errorf(
			"knowledge: source file %q changed during ingestion and exceeded %d bytes",
			path, MaxSourceFileSizeBytes,
		)
	}
	return strings.TrimSpace(string(data)), nil
}

func pathInside(root, target string) (bool, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, fmt.Errorf("knowledge: resolve root %q: %w", root, err)
	}
	resolvedTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("knowledge: target path does not exist: %s", target)
		}
		return false, fmt.Errorf("knowledge: resolve target %q: %w", target, err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil {
		return false, fmt.Errorf("knowledge: compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
