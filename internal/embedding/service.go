// Package embedding implements the Embedder: embed_texts([text]) -> [[f32;
// D]], preserving order and length, backed by an HTTP call to an external
// embedding provider and an L1/L2 cache keyed by model and text.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/cache"
	"github.com/exobrain/knowledge-interface/internal/errs"
	"github.com/exobrain/knowledge-interface/internal/jsonx"
)

// Service is the Embedder (C2).
type Service struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
	cache      *cache.EmbeddingCache
	logger     *zap.Logger
}

// Config configures a Service.
type Config struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// New wires a Service onto baseURL/model, caching vectors in embCache when
// non-nil.
func New(cfg Config, embCache *cache.EmbeddingCache, logger *zap.Logger) *Service {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: timeout},
		cache:      embCache,
		logger:     logger.Named("embedder"),
	}
}

type embedBatchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedTexts maps texts to fixed-dimension vectors, preserving order and
// length. An empty input returns an empty output without a round trip.
// Every vector returned has exactly s.dimension entries; any mismatch from
// the provider is an Upstream error, not silently truncated or padded.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missingIdx []int
	var missingTexts []string

	if s.cache != nil {
		for i, text := range texts {
			if vec, found := s.cache.Get(ctx, s.model, text); found {
				out[i] = vec
				continue
			}
			missingIdx = append(missingIdx, i)
			missingTexts = append(missingTexts, text)
		}
	} else {
		missingIdx = make([]int, len(texts))
		missingTexts = texts
		for i := range texts {
			missingIdx[i] = i
		}
	}

	if len(missingTexts) > 0 {
		fetched, err := s.callProvider(ctx, missingTexts)
		if err != nil {
			return nil, err
		}
		if len(fetched) != len(missingTexts) {
			return nil, errs.Upstream(fmt.Errorf("embedding provider returned %d vectors for %d texts", len(fetched), len(missingTexts)))
		}
		for j, idx := range missingIdx {
			vec := fetched[j]
			if len(vec) != s.dimension {
				return nil, errs.Upstream(fmt.Errorf("embedding vector has dimension %d, expected %d", len(vec), s.dimension))
			}
			out[idx] = vec
			if s.cache != nil {
				s.cache.Set(ctx, s.model, missingTexts[j], vec)
			}
		}
	}

	return out, nil
}

func (s *Service) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := jsonx.Marshal(embedBatchRequest{Model: s.model, Input: texts})
	if err != nil {
		return nil, errs.Upstream(fmt.Errorf("marshaling embed request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Upstream(fmt.Errorf("building embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errs.Upstream(fmt.Errorf("calling embedding provider: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Upstream(fmt.Errorf("embedding provider returned status %d", resp.StatusCode))
	}

	var decoded embedBatchResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errs.Upstream(fmt.Errorf("decoding embed response: %w", err))
	}
	return decoded.Embeddings, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x / 2
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}
