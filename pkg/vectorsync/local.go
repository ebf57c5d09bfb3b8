// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vectorsync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// localBackend is the embedded vector store: chromem-go persisting to
// $DATA_DIR/chroma. No external process is needed.
type localBackend struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func newLocalBackend(dataDir string) (*localBackend, error) {
	dir := filepath.Join(dataDir, "chroma")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	// With an OpenAI key present chromem's default embedding function is
	// used; otherwise a deterministic trigram-hash embedding keeps the
	// store fully offline. Hash vectors are crude but stable, which is
	// what local semantic recall needs most.
	embed := chromem.EmbeddingFunc(hashEmbedding)
	if os.Getenv("OPENAI_API_KEY") != "" {
		embed = chromem.NewEmbeddingFuncDefault()
	}

	return &localBackend{
		db:          db,
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (b *localBackend) collection(name string) (*chromem.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.collections[name]; ok {
		return c, nil
	}
	c, err := b.db.GetOrCreateCollection(name, nil, b.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	b.collections[name] = c
	return c, nil
}

func (b *localBackend) Add(ctx context.Context, collection string, docs []Document) error {
	c, err := b.collection(collection)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := c.AddDocument(ctx, chromem.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: d.Metadata,
		}); err != nil {
			return fmt.Errorf("failed to add document %s: %w", d.ID, err)
		}
	}
	return nil
}

func (b *localBackend) Has(ctx context.Context, collection, docID string) (bool, error) {
	c, err := b.collection(collection)
	if err != nil {
		return false, err
	}
	_, err = c.GetByID(ctx, docID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		// chromem reports a missing id as a plain error.
		return false, nil
	}
	return true, nil
}

func (b *localBackend) Query(ctx context.Context, collection, text string, limit int, where map[string]string) (QueryResult, error) {
	c, err := b.collection(collection)
	if err != nil {
		return QueryResult{}, err
	}
	if n := c.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		return QueryResult{}, nil
	}

	results, err := c.Query(ctx, text, limit, where, nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query collection: %w", err)
	}

	var out QueryResult
	for _, r := range results {
		out.IDs = append(out.IDs, r.ID)
		out.Documents = append(out.Documents, r.Content)
		out.Metadatas = append(out.Metadatas, r.Metadata)
		// chromem reports cosine similarity in [0,1]; callers expect a
		// distance where smaller is better.
		out.Distances = append(out.Distances, 1-r.Similarity)
	}
	return out, nil
}

const hashEmbeddingDim = 256

// hashEmbedding maps text onto a fixed-dimension vector by hashing
// character trigrams. Deterministic and offline; similar texts share
// trigrams and land near each other.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashEmbeddingDim)
	runes := []rune(text)
	if len(runes) < 3 {
		runes = append(runes, ' ', ' ')
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		vec[h.Sum32()%hashEmbeddingDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
