// Package index keeps vector indexes of pages for related content
// suggestions.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/coder/hnsw"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Paranoid-AF/wandlet/textsplit"
)

const (
	indexBatchSize = 32
	// MaxLimit caps the number of pages a search returns.
	MaxLimit = 100
	// DefaultChunkSize is the number of characters embedded per chunk.
	DefaultChunkSize = 1000
	defaultQueryTTL  = 10 * time.Minute
	embedAttempts    = 3
	embedRetryDelay  = 200 * time.Millisecond
)

// Page is an indexed page.
type Page struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	EditURL string `json:"edit_url"`
	Content string `json:"content,omitempty"`
}

// PageIndex is a named vector index over page content. Each page is split
// into chunks; a page ranks by its closest chunk.
type PageIndex struct {
	name      string
	embedder  Embedder
	chunkSize int

	mu     sync.RWMutex
	graph  *hnsw.Graph[string] // keyed by chunkKey
	pages  map[string]Page     // page id -> page, without content
	chunks map[string]int      // page id -> number of chunks

	queries *ttlcache.Cache[string, []float32]
}

// NewPageIndex creates an empty index. Query vectors are cached for
// queryTTL; zero uses ten minutes.
func NewPageIndex(name string, embedder Embedder, chunkSize int, queryTTL time.Duration) *PageIndex {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if queryTTL <= 0 {
		queryTTL = defaultQueryTTL
	}
	queries := ttlcache.New[string, []float32](
		ttlcache.WithTTL[string, []float32](queryTTL),
		ttlcache.WithDisableTouchOnHit[string, []float32](),
	)
	go queries.Start()

	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return &PageIndex{
		name:      name,
		embedder:  embedder,
		chunkSize: chunkSize,
		graph:     g,
		pages:     make(map[string]Page),
		chunks:    make(map[string]int),
		queries:   queries,
	}
}

// Name returns the index name used by clients.
func (idx *PageIndex) Name() string { return idx.name }

// Model returns the embedding model of the index.
func (idx *PageIndex) Model() string { return idx.embedder.Model() }

// Len returns the number of indexed pages.
func (idx *PageIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.pages)
}

func chunkKey(pageID string, n int) string { return pageID + "\x00" + strconv.Itoa(n) }

func pageOf(key string) string {
	id, _, _ := strings.Cut(key, "\x00")
	return id
}

type pendingChunk struct {
	key  string
	text string
}

// AddPages embeds pages and adds them to the index, replacing pages with the
// same id. Pages without content are indexed by title.
func (idx *PageIndex) AddPages(ctx context.Context, pages []Page) error {
	var pending []pendingChunk
	counts := make(map[string]int, len(pages))
	for _, p := range pages {
		text := p.Content
		if strings.TrimSpace(text) == "" {
			text = p.Title
		}
		splitter := &textsplit.Length{ChunkSize: idx.chunkSize, LengthFunc: textsplit.RuneLength}
		for _, chunk := range splitter.Split(text) {
			pending = append(pending, pendingChunk{key: chunkKey(p.ID, counts[p.ID]), text: chunk})
			counts[p.ID]++
		}
	}

	// Embed in batches, accumulating results locally
	nodes := make([]hnsw.Node[string], 0, len(pending))
	for i := 0; i < len(pending); i += indexBatchSize {
		batch := pending[i:min(i+indexBatchSize, len(pending))]
		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.text
		}

		var vectors [][]float32
		err := retry.Do(
			func() error {
				var err error
				vectors, err = idx.embedder.EmbedBatch(ctx, texts)
				return err
			},
			retry.Context(ctx),
			retry.Attempts(embedAttempts),
			retry.Delay(embedRetryDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				slog.Warn("batch embed failed, retrying", "index", idx.name, "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("embed chunks of index %s: %w", idx.name, err)
		}
		for j, c := range batch {
			nodes = append(nodes, hnsw.MakeNode(c.key, vectors[j]))
		}
	}

	// Single graph update under one write lock
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, p := range pages {
		idx.removeLocked(p.ID)
		p.Content = ""
		idx.pages[p.ID] = p
		idx.chunks[p.ID] = counts[p.ID]
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
	}
	slog.Debug("indexed pages", "index", idx.name, "pages", len(pages), "chunks", len(nodes))
	return nil
}

// RemovePage drops a page from the index.
func (idx *PageIndex) RemovePage(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
}

func (idx *PageIndex) removeLocked(id string) {
	for n := range idx.chunks[id] {
		idx.graph.Delete(chunkKey(id, n))
	}
	delete(idx.chunks, id)
	delete(idx.pages, id)
}

func (idx *PageIndex) queryVector(ctx context.Context, query string) ([]float32, error) {
	if item := idx.queries.Get(query); item != nil {
		return item.Value(), nil
	}
	vec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	idx.queries.Set(query, vec, ttlcache.DefaultTTL)
	return vec, nil
}

// Search returns up to limit pages most similar to query, skipping the
// excluded ids. limit is capped at MaxLimit.
func (idx *PageIndex) Search(ctx context.Context, query string, limit int, exclude []string) ([]Page, error) {
	limit = min(limit, MaxLimit)
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	queryVec, err := idx.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 {
		return nil, nil
	}
	// Several chunks may belong to one page; ask for enough neighbours to
	// fill the limit after merging and exclusion.
	k := min(idx.graph.Len(), (limit+len(exclude))*4)
	neighbors := idx.graph.Search(queryVec, k)

	best := make(map[string]float32)
	for _, n := range neighbors {
		id := pageOf(n.Key)
		if slices.Contains(exclude, id) {
			continue
		}
		d := hnsw.CosineDistance(queryVec, n.Value)
		if cur, ok := best[id]; !ok || d < cur {
			best[id] = d
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if best[ids[i]] != best[ids[j]] {
			return best[ids[i]] < best[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Page, 0, len(ids))
	for _, id := range ids {
		out = append(out, idx.pages[id])
	}
	return out, nil
}

// Close stops the query cache. The embedder is owned by the caller.
func (idx *PageIndex) Close() {
	idx.queries.Stop()
}
