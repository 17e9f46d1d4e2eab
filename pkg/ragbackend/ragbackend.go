// Package ragbackend implements the document-retrieval backend: a
// redis-held inverted index over ingested documents, queried by simple
// term-overlap scoring. Sessions for this resource type carry no per-call
// state beyond the shared index handle, so Initialize returns the same
// handle to every worker and Cleanup is a no-op.
package ragbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/registry"
)

// Document is one entry in the corpus: an id and its text body.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Hit is one scored search result.
type Hit struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Index is the shared retrieval handle: a redis client plus the key prefix
// this backend's documents and postings live under.
type Index struct {
	client *redis.Client
	prefix string
}

func (idx *Index) docKey(id string) string  { return idx.prefix + "doc:" + id }
func (idx *Index) termKey(tok string) string { return idx.prefix + "term:" + tok }

// Ingest stores each document's text and adds its id to the posting set of
// every distinct token it contains.
func (idx *Index) Ingest(ctx context.Context, docs []Document) (int, error) {
	pipe := idx.client.Pipeline()
	count := 0
	for _, doc := range docs {
		if doc.ID == "" || doc.Text == "" {
			continue
		}
		pipe.Set(ctx, idx.docKey(doc.ID), doc.Text, 0)
		seen := make(map[string]struct{})
		for _, tok := range tokenize(doc.Text) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			pipe.SAdd(ctx, idx.termKey(tok), doc.ID)
		}
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rag: ingest failed: %w", err)
	}
	return count, nil
}

// Search scores every document that shares at least one token with query by
// the count of shared tokens, and returns the topK highest scoring hits.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	for _, tok := range tokens {
		ids, err := idx.client.SMembers(ctx, idx.termKey(tok)).Result()
		if err != nil {
			return nil, fmt.Errorf("rag: lookup token %q: %w", tok, err)
		}
		for _, id := range ids {
			scores[id]++
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if topK > 0 && len(ids) > topK {
		ids = ids[:topK]
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		text, err := idx.client.Get(ctx, idx.docKey(id)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("rag: fetch doc %q: %w", id, err)
		}
		hits = append(hits, Hit{ID: id, Text: text, Score: scores[id] / float64(len(tokens))})
	}
	return hits, nil
}

// loadCorpus reads a JSONL file of {"id": ..., "text": ...} lines and
// ingests every document it contains.
func (idx *Index) loadCorpus(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("rag: open corpus %s: %w", path, err)
	}
	defer f.Close()

	var docs []Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return 0, fmt.Errorf("rag: corpus line malformed: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("rag: read corpus: %w", err)
	}
	return idx.Ingest(ctx, docs)
}

// Backend is the RAG resource backend. It implements backend.Backend,
// backend.Warmer, backend.SessionInitializer, and backend.Shutdowner.
type Backend struct {
	config map[string]interface{}
	index  *Index
}

// NewBackend builds a RAG backend from its default config. Expected keys:
// redis_addr (default "localhost:6379"), redis_password, redis_db,
// key_prefix (default "rag:"), corpus_path (optional JSONL to preload).
func NewBackend(config map[string]interface{}) *Backend {
	return &Backend{config: config}
}

// Name identifies this backend's resource type.
func (b *Backend) Name() string { return "rag" }

func stringOr(cfg map[string]interface{}, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(cfg map[string]interface{}, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// Warmup connects to redis and, if corpus_path is set, preloads the corpus.
func (b *Backend) Warmup(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     stringOr(b.config, "redis_addr", "localhost:6379"),
		Password: stringOr(b.config, "redis_password", ""),
		DB:       intOr(b.config, "redis_db", 0),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rag: redis ping failed: %w", err)
	}
	idx := &Index{client: client, prefix: stringOr(b.config, "key_prefix", "rag:")}

	if path := stringOr(b.config, "corpus_path", ""); path != "" {
		if _, err := idx.loadCorpus(ctx, path); err != nil {
			return err
		}
	}
	b.index = idx
	return nil
}

// Initialize hands every worker the same shared index handle.
func (b *Backend) Initialize(_ context.Context, _, _ string, _ map[string]interface{}) (interface{}, error) {
	if b.index == nil {
		return nil, errors.NewBackendNotInitializedError("rag backend has not been warmed up", nil)
	}
	return b.index, nil
}

// Shutdown closes the shared redis client.
func (b *Backend) Shutdown(_ context.Context) error {
	if b.index == nil {
		return nil
	}
	return b.index.client.Close()
}

// RegisterTools registers rag:search and rag:ingest against reg. Both bind
// to a "rag" session (so the router tracks and TTL-expires the worker's
// hold on this resource type) even though the handlers read the shared
// index directly, since the index itself carries no per-worker state.
func (b *Backend) RegisterTools(reg *registry.Registry) {
	reg.MustRegister("search", "rag", registry.Descriptor{Handler: b.toolSearch})
	reg.MustRegister("ingest", "rag", registry.Descriptor{Handler: b.toolIngest})
}

func (b *Backend) toolSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewMissingRequiredFieldError("query is required", nil)
	}
	topK := 10
	if v, ok := params["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}
	idx, err := b.sessionIndex(params)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(ctx, query, topK)
	if err != nil {
		return nil, errors.NewExecutionError(err.Error(), err)
	}
	return map[string]interface{}{"query": query, "results": hits}, nil
}

func (b *Backend) toolIngest(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	raw, ok := params["documents"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, errors.NewMissingRequiredFieldError("documents is required", nil)
	}
	docs := make([]Document, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		text, _ := m["text"].(string)
		docs = append(docs, Document{ID: id, Text: text})
	}
	idx, err := b.sessionIndex(params)
	if err != nil {
		return nil, err
	}
	n, err := idx.Ingest(ctx, docs)
	if err != nil {
		return nil, errors.NewExecutionError(err.Error(), err)
	}
	return map[string]interface{}{"ingested": n}, nil
}

// sessionIndex resolves the shared index handle. Every worker's "rag"
// session carries the same *Index (see Initialize), so tool handlers read
// it directly off the backend rather than off session_info.
func (b *Backend) sessionIndex(_ map[string]interface{}) (*Index, error) {
	if b.index != nil {
		return b.index, nil
	}
	return nil, errors.NewBackendNotInitializedError("rag backend has not been warmed up", nil)
}
