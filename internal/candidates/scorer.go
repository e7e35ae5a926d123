// This file implements the fusion half of the Candidate Scorer: merging
// the lexical stream (LexicalIndex.Search) with an optional semantic
// stream (a vector index search) into the one ranked list
// FindEntityCandidates returns.
package candidates

import (
	"context"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/vectorindex"
)

const (
	weightName     = 0.55
	weightSemantic = 0.45

	scoreNameExact     = 1.0
	scoreNameContains  = 0.85
	scoreAliasExact    = 0.95
	scoreAliasContains = 0.75

	defaultLimit       = 10
	semanticFanoutMult = 8
)

// Embedder is the Scorer's embedding-side port: it turns the caller's
// optional short description into a query vector. Satisfied by
// *embedding.Service.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// SemanticSearcher is the Scorer's vector-index port, satisfied by
// *vectorindex.Index.
type SemanticSearcher interface {
	Search(ctx context.Context, queryVector []float32, userID string, limit int) ([]vectorindex.SearchHit, error)
}

// DisplayResolver fetches the name/type_id display fields for a merged set
// of candidate entity ids, scoped to what userID may see, satisfied by
// *graph.Repository.GetEntitiesByIDs.
type DisplayResolver interface {
	GetEntitiesByIDs(ctx context.Context, ids []string, userID string) (map[string]domain.EntityCandidate, error)
}

// Scorer implements FindEntityCandidates: it fuses LexicalIndex's
// name/alias match stream with an optional semantic stream, merges by
// entity id, resolves display fields under the caller's visibility scope,
// and returns the top-scoring candidates.
type Scorer struct {
	lexical  *LexicalIndex
	semantic SemanticSearcher
	display  DisplayResolver
	embedder Embedder
	logger   *zap.Logger
}

// NewScorer wires a Scorer onto its already-connected dependencies.
// semantic and embedder may both be nil; a query with no ShortDescription
// runs lexical-only regardless.
func NewScorer(lexical *LexicalIndex, semantic SemanticSearcher, display DisplayResolver, embedder Embedder, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{lexical: lexical, semantic: semantic, display: display, embedder: embedder, logger: logger.Named("candidate_scorer")}
}

type fusedCandidate struct {
	nameScore      float64
	matchedTokens  []string
	semanticScore  float64
	semanticText   string
	hasSemanticHit bool
}

// Find runs the lexical and (when a short description is supplied)
// semantic streams, merges them by entity id, and returns up to
// query.Limit ranked candidates (default 10).
func (s *Scorer) Find(ctx context.Context, query domain.FindEntityCandidatesQuery) ([]domain.EntityCandidate, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	fused := make(map[string]*fusedCandidate)

	if len(query.Names) > 0 && s.lexical != nil {
		docs, err := s.lexical.Search(ctx, query.Names, query.PotentialTypeIDs, query.UserID)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			nameScore, matched := scoreNameMatch(doc, query.Names)
			fused[doc.EntityID] = &fusedCandidate{nameScore: nameScore, matchedTokens: matched}
		}
	}

	if strings.TrimSpace(query.ShortDescription) != "" && s.semantic != nil && s.embedder != nil {
		vectors, err := s.embedder.EmbedTexts(ctx, []string{query.ShortDescription})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 1 {
			hits, err := s.semantic.Search(ctx, vectors[0], query.UserID, semanticFanoutMult*limit)
			if err != nil {
				return nil, err
			}
			for _, hit := range hits {
				if hit.RootEntityID == "" {
					continue
				}
				weighted := float64(hit.Score) / (1.0 + float64(hit.BlockLevel))
				existing, ok := fused[hit.RootEntityID]
				if !ok {
					fused[hit.RootEntityID] = &fusedCandidate{semanticScore: weighted, semanticText: hit.Text, hasSemanticHit: true}
					continue
				}
				if !existing.hasSemanticHit || weighted > existing.semanticScore {
					existing.semanticScore = weighted
					existing.semanticText = hit.Text
					existing.hasSemanticHit = true
				}
			}
		}
	}

	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	display, err := s.display.GetEntitiesByIDs(ctx, ids, query.UserID)
	if err != nil {
		return nil, err
	}

	out := make([]domain.EntityCandidate, 0, len(fused))
	for id, f := range fused {
		d, ok := display[id]
		if !ok {
			continue
		}
		out = append(out, domain.EntityCandidate{
			ID:              id,
			Name:            d.Name,
			TypeID:          d.TypeID,
			DescribedByText: f.semanticText,
			Score:           weightName*f.nameScore + weightSemantic*f.semanticScore,
			MatchedTokens:   f.matchedTokens,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scoreNameMatch computes name_score for one lexical hit: for each token,
// take the maximum over the four comparators, sum across tokens, divide by
// the token count. "Exact" is word-level — a token equal to the whole name
// or to any whitespace-separated word of it counts as an exact name match,
// so the query ["ada", "lovelace"] scores 1.0 against "Ada Lovelace".
// Tokens that match neither the name nor any alias contribute 0 to the sum
// but still count toward the divisor.
func scoreNameMatch(doc LexicalDoc, names []string) (float64, []string) {
	name := strings.ToLower(doc.Name)
	aliases := make([]string, len(doc.Aliases))
	for i, a := range doc.Aliases {
		aliases[i] = strings.ToLower(a)
	}

	var sum float64
	var matched []string
	for _, raw := range names {
		token := strings.ToLower(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		best := 0.0
		hit := false
		if exactMatch(name, token) {
			best = math.Max(best, scoreNameExact)
			hit = true
		} else if strings.Contains(name, token) {
			best = math.Max(best, scoreNameContains)
			hit = true
		}
		for _, alias := range aliases {
			if exactMatch(alias, token) {
				best = math.Max(best, scoreAliasExact)
				hit = true
			} else if strings.Contains(alias, token) {
				best = math.Max(best, scoreAliasContains)
				hit = true
			}
		}
		sum += best
		if hit {
			matched = append(matched, raw)
		}
	}
	if len(names) == 0 {
		return 0, matched
	}
	return sum / float64(len(names)), matched
}

// exactMatch reports whether token equals text or any whitespace-separated
// word of it. Both arguments are already lowercased.
func exactMatch(text, token string) bool {
	if text == token {
		return true
	}
	for _, word := range strings.Fields(text) {
		if word == token {
			return true
		}
	}
	return false
}
