// Package vectorindex implements the vector/ANN index half of the
// two-store commit protocol over Qdrant's HTTP API, talking to the REST
// surface directly with net/http and sonic.
package vectorindex

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/jsonx"
)

// Config configures an Index.
type Config struct {
	BaseURL        string
	CollectionName string
	Dimension      int
	Timeout        time.Duration
}

// Index is the Graph Repository's VectorUpserter and the Candidate
// Scorer's semantic stream, both backed by one Qdrant collection.
type Index struct {
	baseURL        string
	collectionName string
	dimension      int
	httpClient     *http.Client
	logger         *zap.Logger
}

// New wires an Index onto cfg. The collection is not created until
// EnsureCollection runs, so construction never touches the network.
func New(cfg Config, logger *zap.Logger) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Index{
		baseURL:        cfg.BaseURL,
		collectionName: cfg.CollectionName,
		dimension:      cfg.Dimension,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.Named("vector_index"),
	}
}

// EnsureCollection creates the collection with cosine distance and the
// configured dimension if it does not already exist. Idempotent.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, idx.collectionURL(), nil)
	if err != nil {
		return fmt.Errorf("building collection-exists request: %w", err)
	}
	resp, err := idx.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, err := jsonx.Marshal(map[string]any{
		"vectors": map[string]any{
			"size":     idx.dimension,
			"distance": "Cosine",
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling collection create request: %w", err)
	}

	createReq, err := http.NewRequestWithContext(ctx, http.MethodPut, idx.collectionURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building collection create request: %w", err)
	}
	createReq.Header.Set("Content-Type", "application/json")

	createResp, err := idx.httpClient.Do(createReq)
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		return fmt.Errorf("creating collection: status %d", createResp.StatusCode)
	}
	idx.logger.Info("created vector collection", zap.String("collection", idx.collectionName), zap.Int("dimension", idx.dimension))
	return nil
}

type upsertPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert writes blocks as points keyed by their block id (Qdrant accepts
// UUID strings natively as point ids, so no hashing is needed). Any block
// with an empty or mis-sized vector is rejected before the request is
// built, satisfying the two-store commit protocol's precondition.
func (idx *Index) Upsert(ctx context.Context, blocks []domain.EmbeddedBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	points := make([]upsertPoint, 0, len(blocks))
	for _, b := range blocks {
		if len(b.Vector) == 0 {
			return fmt.Errorf("block %q has an empty vector", b.Block.ID)
		}
		if len(b.Vector) != idx.dimension {
			return fmt.Errorf("block %q has vector dimension %d, expected %d", b.Block.ID, len(b.Vector), idx.dimension)
		}
		points = append(points, upsertPoint{
			ID:     b.Block.ID,
			Vector: b.Vector,
			Payload: map[string]any{
				"user_id":        b.UserID,
				"visibility":     string(b.Visibility),
				"root_entity_id": b.RootEntityID,
				"universe_id":    b.UniverseID,
				"block_level":    b.BlockLevel,
				"text":           b.Text,
			},
		})
	}

	if err := idx.EnsureCollection(ctx); err != nil {
		return err
	}

	body, err := jsonx.Marshal(map[string]any{"points": points})
	if err != nil {
		return fmt.Errorf("marshaling upsert request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, idx.baseURL+"/collections/"+idx.collectionName+"/points", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upserting vectors: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upserting vectors: status %d", resp.StatusCode)
	}
	return nil
}

// Delete best-effort removes points by id, used as the compensating action
// when the graph transaction's commit fails after Upsert already
// succeeded. A failure here is logged by the caller, not retried.
func (idx *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := jsonx.Marshal(map[string]any{"points": ids})
	if err != nil {
		return fmt.Errorf("marshaling delete request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idx.baseURL+"/collections/"+idx.collectionName+"/points/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleting vectors: status %d", resp.StatusCode)
	}
	return nil
}

// SearchHit is one result of Search, with the fields the Candidate
// Scorer's semantic stream needs to compute weighted scores.
type SearchHit struct {
	RootEntityID string
	BlockLevel   int64
	Text         string
	Score        float32
}

// Search finds up to limit points reachable by userID (owned by userID, or
// carrying SHARED visibility), ranked by cosine similarity to queryVector.
func (idx *Index) Search(ctx context.Context, queryVector []float32, userID string, limit int) ([]SearchHit, error) {
	if err := idx.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	body, err := jsonx.Marshal(map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
		"filter": map[string]any{
			// Qdrant requires at least one "should" clause to match when
			// no "must" clause is present, giving an OR across the two
			// reachability conditions.
			"should": []map[string]any{
				{"key": "user_id", "match": map[string]any{"value": userID}},
				{"key": "visibility", "match": map[string]any{"value": string(domain.VisibilityShared)}},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idx.baseURL+"/collections/"+idx.collectionName+"/points/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := idx.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searching vectors: status %d", resp.StatusCode)
	}

	var decoded struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	hits := make([]SearchHit, 0, len(decoded.Result))
	for _, r := range decoded.Result {
		rootEntityID, _ := r.Payload["root_entity_id"].(string)
		text, _ := r.Payload["text"].(string)
		if rootEntityID == "" {
			continue
		}
		var blockLevel int64
		if v, ok := r.Payload["block_level"].(float64); ok {
			blockLevel = int64(v)
		}
		hits = append(hits, SearchHit{RootEntityID: rootEntityID, BlockLevel: blockLevel, Text: text, Score: r.Score})
	}
	return hits, nil
}

func (idx *Index) collectionURL() string {
	return idx.baseURL + "/collections/" + idx.collectionName
}
