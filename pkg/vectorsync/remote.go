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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// remoteBackend talks to an external Chroma server over its REST API.
// Collection name → id mappings are cached per connection.
type remoteBackend struct {
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	ids map[string]string // collection name → chroma collection id
}

func newRemoteBackend(url string, timeout time.Duration) (*remoteBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("remote vector mode requires a server URL")
	}
	return &remoteBackend{
		baseURL:    strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ids:        make(map[string]string),
	}, nil
}

func (b *remoteBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chroma request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chroma error (status %d): %s", resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// collectionID resolves (creating if necessary) the collection's id.
func (b *remoteBackend) collectionID(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	if id, ok := b.ids[name]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	var created struct {
		ID string `json:"id"`
	}
	err := b.post(ctx, "/api/v1/collections", map[string]any{
		"name":          name,
		"get_or_create": true,
	}, &created)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.ids[name] = created.ID
	b.mu.Unlock()
	return created.ID, nil
}

func (b *remoteBackend) Add(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	id, err := b.collectionID(ctx, collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	contents := make([]string, len(docs))
	metas := make([]map[string]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		contents[i] = d.Content
		metas[i] = d.Metadata
	}

	return b.post(ctx, "/api/v1/collections/"+id+"/upsert", map[string]any{
		"ids":       ids,
		"documents": contents,
		"metadatas": metas,
	}, nil)
}

func (b *remoteBackend) Has(ctx context.Context, collection, docID string) (bool, error) {
	id, err := b.collectionID(ctx, collection)
	if err != nil {
		return false, err
	}

	var got struct {
		IDs []string `json:"ids"`
	}
	err = b.post(ctx, "/api/v1/collections/"+id+"/get", map[string]any{
		"ids":     []string{docID},
		"include": []string{},
	}, &got)
	if err != nil {
		return false, err
	}
	return len(got.IDs) > 0, nil
}

func (b *remoteBackend) Query(ctx context.Context, collection, text string, limit int, where map[string]string) (QueryResult, error) {
	id, err := b.collectionID(ctx, collection)
	if err != nil {
		return QueryResult{}, err
	}

	payload := map[string]any{
		"query_texts": []string{text},
		"n_results":   limit,
		"include":     []string{"documents", "metadatas", "distances"},
	}
	if len(where) > 0 {
		payload["where"] = where
	}

	// Chroma answers with one parallel-array set per query text.
	var resp struct {
		IDs       [][]string            `json:"ids"`
		Documents [][]string            `json:"documents"`
		Metadatas [][]map[string]string `json:"metadatas"`
		Distances [][]float32           `json:"distances"`
	}
	if err := b.post(ctx, "/api/v1/collections/"+id+"/query", payload, &resp); err != nil {
		return QueryResult{}, err
	}

	var out QueryResult
	if len(resp.IDs) > 0 {
		out.IDs = resp.IDs[0]
	}
	if len(resp.Documents) > 0 {
		out.Documents = resp.Documents[0]
	}
	if len(resp.Metadatas) > 0 {
		out.Metadatas = resp.Metadatas[0]
	}
	if len(resp.Distances) > 0 {
		out.Distances = resp.Distances[0]
	}
	return out, nil
}
