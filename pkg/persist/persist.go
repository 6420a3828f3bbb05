// Package persist implements the Persistence Layer: the on-disk
// directory layout flushed files land in, optional Brotli
// compression, and the walk/iterate helpers the Uploader and the
// Object Store's on-disk index consult.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/cuemby/steprunner/pkg/types"
)

const (
	graphDir    = "graph"
	indexDir    = "index"
	summaryFile = "summary.json"

	kindEntities      = "entities"
	kindRelationships = "relationships"
)

// Layout owns one run's staging directory tree.
type Layout struct {
	root     string
	compress bool
}

// NewLayout returns a Layout rooted at root. compress controls
// whether flushed files are Brotli-encoded, mirroring the
// INTEGRATION_FILE_COMPRESSION_ENABLED env var. Callers resolve that
// env var once at run start and pass the result in here.
func NewLayout(root string, compress bool) *Layout {
	return &Layout{root: root, compress: compress}
}

// Reset removes the staging root recursively and recreates it empty,
// so every run starts from a clean slate regardless of what a prior
// run left behind.
func (l *Layout) Reset() error {
	if err := os.RemoveAll(l.root); err != nil {
		return fmt.Errorf("persist: clearing staging root %q: %w", l.root, err)
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("persist: recreating staging root %q: %w", l.root, err)
	}
	return nil
}

// FlushEntities satisfies store.Flusher: writes one
// graph/<stepID>/entities/<uuid>.json file and links it into
// index/entities/<typeName>/<uuid>.json.
func (l *Layout) FlushEntities(stepID, typeName string, batch []types.Entity) error {
	return l.flush(stepID, typeName, kindEntities, types.FlushedFile{Entities: batch})
}

// FlushRelationships satisfies store.Flusher, symmetric to
// FlushEntities.
func (l *Layout) FlushRelationships(stepID, typeName string, batch []types.Relationship) error {
	return l.flush(stepID, typeName, kindRelationships, types.FlushedFile{Relationships: batch})
}

func (l *Layout) flush(stepID, typeName, kind string, ff types.FlushedFile) error {
	token := uuid.Must(uuid.NewV7()).String() + ".json"

	graphPath := filepath.Join(l.root, graphDir, stepID, kind, token)
	if err := l.writeFile(graphPath, ff); err != nil {
		return err
	}

	indexPath := filepath.Join(l.root, indexDir, kind, typeName, token)
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("persist: creating index directory for %q: %w", typeName, err)
	}
	if err := os.Link(graphPath, indexPath); err != nil {
		// Cross-device staging roots can't hard-link; fall back to a
		// second write of the same content.
		if err := l.writeFile(indexPath, ff); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) writeFile(path string, ff types.FlushedFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: creating directory for %q: %w", path, err)
	}
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("persist: marshaling flushed file %q: %w", path, err)
	}
	if l.compress {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("persist: compressing %q: %w", path, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("persist: closing compressor for %q: %w", path, err)
		}
		data = buf.Bytes()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: writing %q: %w", path, err)
	}
	return nil
}

// readFlushedFile detects compression by trying a raw JSON decode
// first and falling back to Brotli, so readers transparently handle
// either mode regardless of which one wrote the file.
func readFlushedFile(path string) (*types.FlushedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persist: reading %q: %w", path, err)
	}

	var ff types.FlushedFile
	if err := json.Unmarshal(raw, &ff); err == nil {
		return &ff, nil
	}

	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("persist: %q is neither valid JSON nor a valid Brotli stream: %w", path, err)
	}
	if err := json.Unmarshal(decoded, &ff); err != nil {
		return nil, fmt.Errorf("persist: decoding decompressed %q: %w", path, err)
	}
	return &ff, nil
}

// FindEntity satisfies store.DiskIndex: scans every flushed file
// under index/entities/<typeName>/ for key.
func (l *Layout) FindEntity(typeName, key string) (*types.Entity, bool, error) {
	files, err := l.sortedIndexFiles(kindEntities, typeName)
	if err != nil {
		return nil, false, err
	}
	for _, path := range files {
		ff, err := readFlushedFile(path)
		if err != nil {
			return nil, false, err
		}
		for _, e := range ff.Entities {
			if e.Key == key {
				cp := e
				return &cp, true, nil
			}
		}
	}
	return nil, false, nil
}

// WalkEntities satisfies store.DiskWalker: replays every flushed
// entity of typeName, in the order the index files were written.
func (l *Layout) WalkEntities(typeName string, fn func(types.Entity) error) error {
	files, err := l.sortedIndexFiles(kindEntities, typeName)
	if err != nil {
		return err
	}
	for _, path := range files {
		ff, err := readFlushedFile(path)
		if err != nil {
			return err
		}
		for _, e := range ff.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkRelationships satisfies store.DiskWalker, symmetric to
// WalkEntities.
func (l *Layout) WalkRelationships(typeName string, fn func(types.Relationship) error) error {
	files, err := l.sortedIndexFiles(kindRelationships, typeName)
	if err != nil {
		return err
	}
	for _, path := range files {
		ff, err := readFlushedFile(path)
		if err != nil {
			return err
		}
		for _, r := range ff.Relationships {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortedIndexFiles lists index/<kind>/<typeName>/*.json in flush
// order. File tokens are version 7 uuids, which increase
// monotonically within the process, so their lexical order is the
// order the files were written; the same input sequence therefore
// gives the same ordering between runs.
func (l *Layout) sortedIndexFiles(kind, typeName string) ([]string, error) {
	dir := filepath.Join(l.root, indexDir, kind, typeName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: listing %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// GraphFile pairs one flushed file's path with its parsed content,
// the uniform record the Uploader consumes.
type GraphFile struct {
	Path    string
	Kind    string // "entities" or "relationships"
	Content types.FlushedFile
}

// WalkGraphFiles performs a depth-first walk of graph/ and yields a
// GraphFile per entry, combining the directory walk and the
// entity/relationship decode into one pass for callers like the
// Uploader.
func (l *Layout) WalkGraphFiles(fn func(GraphFile) error) error {
	root := filepath.Join(l.root, graphDir)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind := kindEntities
		if filepath.Base(filepath.Dir(path)) == kindRelationships {
			kind = kindRelationships
		}
		ff, err := readFlushedFile(path)
		if err != nil {
			return err
		}
		return fn(GraphFile{Path: path, Kind: kind, Content: *ff})
	})
}

// WriteSummary marshals summary to summary.json at the staging root.
func (l *Layout) WriteSummary(summary types.RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshaling summary: %w", err)
	}
	path := filepath.Join(l.root, summaryFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: writing %q: %w", path, err)
	}
	return nil
}

// ReadSummary parses summary.json back into a RunSummary.
func (l *Layout) ReadSummary() (*types.RunSummary, error) {
	path := filepath.Join(l.root, summaryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persist: reading %q: %w", path, err)
	}
	var summary types.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("persist: decoding %q: %w", path, err)
	}
	return &summary, nil
}
