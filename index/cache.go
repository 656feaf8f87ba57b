package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// ErrModelMismatch is returned when a saved index was built with another
// embedding model than the one loading it.
var ErrModelMismatch = errors.New("index was built with a different embedding model")

type indexFile struct {
	Name      string      `json:"name"`
	Model     string      `json:"model"`
	ChunkSize int         `json:"chunk_size"`
	Pages     []pageEntry `json:"pages"`
}

type pageEntry struct {
	Page
	Embeddings [][]float32 `json:"embeddings"`
}

// Save writes the index (pages + chunk embeddings) to path.
func (idx *PageIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f := indexFile{Name: idx.name, Model: idx.embedder.Model(), ChunkSize: idx.chunkSize}
	for id, p := range idx.pages {
		entry := pageEntry{Page: p}
		for n := range idx.chunks[id] {
			vec, ok := idx.graph.Lookup(chunkKey(id, n))
			if !ok {
				continue
			}
			entry.Embeddings = append(entry.Embeddings, vec)
		}
		f.Pages = append(f.Pages, entry)
	}
	slices.SortFunc(f.Pages, func(a, b pageEntry) int { return strings.Compare(a.ID, b.ID) })

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadPageIndex reads an index saved with Save. It fails with
// ErrModelMismatch when embedder is not the model the index was built with.
func LoadPageIndex(path string, embedder Embedder, queryTTL time.Duration) (*PageIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	if f.Model != embedder.Model() {
		return nil, fmt.Errorf("%s (%s != %s): %w", path, f.Model, embedder.Model(), ErrModelMismatch)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	idx := NewPageIndex(f.Name, embedder, f.ChunkSize, queryTTL)
	var nodes []hnsw.Node[string]
	for _, e := range f.Pages {
		for n, vec := range e.Embeddings {
			nodes = append(nodes, hnsw.MakeNode(chunkKey(e.ID, n), vec))
		}
		idx.pages[e.ID] = e.Page
		idx.chunks[e.ID] = len(e.Embeddings)
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
	}
	return idx, nil
}

// Registry holds the indexes served by name.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]*PageIndex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]*PageIndex)}
}

// Register adds idx, replacing an index of the same name.
func (r *Registry) Register(idx *PageIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.indexes[idx.Name()]; ok && old != idx {
		old.Close()
	}
	r.indexes[idx.Name()] = idx
}

// Get returns the index called name.
func (r *Registry) Get(name string) (*PageIndex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[name]
	return idx, ok
}

// Names lists the registered indexes in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every index.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, idx := range r.indexes {
		idx.Close()
	}
	r.indexes = make(map[string]*PageIndex)
}

// LoadRegistry loads every *.json index in dir. Indexes that cannot be read
// or were built with another model are skipped with a warning. A missing
// directory yields an empty registry.
func LoadRegistry(dir string, embedder Embedder, queryTTL time.Duration) (*Registry, error) {
	r := NewRegistry()
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		idx, err := LoadPageIndex(path, embedder, queryTTL)
		if err != nil {
			slog.Warn("skipping page index", "path", path, "error", err)
			continue
		}
		r.Register(idx)
		slog.Info("loaded page index", "name", idx.Name(), "pages", idx.Len())
	}
	return r, nil
}

// IndexPath returns where the index called name is saved in dir.
func IndexPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}
