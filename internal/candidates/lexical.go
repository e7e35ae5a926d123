// Package candidates implements the Candidate Scorer (C9): fusing a lexical
// name/alias match stream and a semantic vector-similarity stream into one
// ranked list of entity candidates. The lexical stream is backed by a Bleve
// full-text index materialized from the graph rather than a live DQL
// contains query, since entity aliases have no predicate of their own in
// the graph schema; the coordinator feeds this index on every commit.
package candidates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// tokenCacheSize bounds the normalized-token cache every LexicalIndex keeps:
// FindEntityCandidates callers tend to re-query a small, hot set of names
// (the same handful of people/projects looked up repeatedly), so caching the
// trim+lowercase of each raw token avoids re-normalizing it on every Search.
const tokenCacheSize = 4096

// IndexConfig configures a LexicalIndex.
type IndexConfig struct {
	IndexPath string
	InMemory  bool
}

// DefaultIndexConfig favors an in-memory index; callers that need
// durability across restarts set IndexPath and InMemory=false.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{InMemory: true}
}

// entityDoc is the Bleve document shape: one document per entity, with its
// canonical name and every alias as a multi-valued text field so a single
// should-query matches either.
type entityDoc struct {
	EntityID   string   `json:"entity_id"`
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases"`
	TypeID     string   `json:"type_id"`
	UserID     string   `json:"user_id"`
	Visibility string   `json:"visibility"`
}

// LexicalDoc is the raw, un-scored lexical hit handed to the scorer: the
// scorer computes the exact bucketed name_score itself from Name/Aliases
// rather than trusting Bleve's internal relevance score, since the fusion
// formula requires exact/contains distinctions Bleve doesn't expose.
type LexicalDoc struct {
	EntityID string
	Name     string
	Aliases  []string
	TypeID   string
}

// LexicalIndex is the Candidate Scorer's lexical port, adapted from a
// fuzzy-match Bleve index into a filtered should-query over name and alias
// fields, scoped to a requesting user's visibility.
type LexicalIndex struct {
	index     bleve.Index
	config    IndexConfig
	logger    *zap.Logger
	mu        sync.RWMutex
	tokenNorm *lru.Cache[string, string]
}

// NewLexicalIndex opens or creates the index described by cfg.
func NewLexicalIndex(cfg IndexConfig, logger *zap.Logger) (*LexicalIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenNorm, err := lru.New[string, string](tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building token normalization cache: %w", err)
	}
	li := &LexicalIndex{config: cfg, logger: logger.Named("candidates_index"), tokenNorm: tokenNorm}

	m := buildMapping()
	var idx bleve.Index
	if cfg.InMemory {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating lexical index directory: %w", mkErr)
		}
		idx, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(cfg.IndexPath, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening lexical index: %w", err)
	}
	li.index = idx
	return li, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Index = true
	text.Store = true
	text.IncludeInAll = true
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("aliases", text)

	// Filter fields are matched with TermQuery, which is not analyzed, so
	// they must be indexed verbatim rather than through the standard
	// analyzer (which would split "user-1" into two terms and lowercase
	// "SHARED").
	filterField := bleve.NewTextFieldMapping()
	filterField.Index = true
	filterField.Store = true
	filterField.IncludeInAll = false
	filterField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("entity_id", filterField)
	doc.AddFieldMappingsAt("type_id", filterField)
	doc.AddFieldMappingsAt("user_id", filterField)
	doc.AddFieldMappingsAt("visibility", filterField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = "standard"
	return im
}

// Put indexes or replaces one entity's document, keyed by entityID.
func (li *LexicalIndex) Put(ctx context.Context, entityID, name string, aliases []string, typeID, userID string, visibility domain.Visibility) error {
	li.mu.Lock()
	defer li.mu.Unlock()
	doc := entityDoc{EntityID: entityID, Name: name, Aliases: aliases, TypeID: typeID, UserID: userID, Visibility: string(visibility)}
	if err := li.index.Index(entityID, doc); err != nil {
		return fmt.Errorf("indexing entity %q: %w", entityID, err)
	}
	return nil
}

// Delete removes entityID's document, if present.
func (li *LexicalIndex) Delete(ctx context.Context, entityID string) error {
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.index.Delete(entityID)
}

// Search returns every entity whose name or any alias contains at least one
// of tokens (case-insensitively), restricted to entities owned by userID or
// carrying SHARED visibility, and, when typeIDs is non-empty, whose type_id
// is a member. Token matching is a wildcard contains-query; the scorer
// re-derives the precise bucketed score from the returned Name/Aliases.
func (li *LexicalIndex) Search(ctx context.Context, tokens []string, typeIDs []string, userID string) ([]LexicalDoc, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	li.mu.RLock()
	defer li.mu.RUnlock()

	tokenQueries := make([]query.Query, 0, len(tokens)*2)
	for _, raw := range tokens {
		tok := li.normalizeToken(raw)
		if tok == "" {
			continue
		}
		nameWildcard := query.NewWildcardQuery("*" + tok + "*")
		nameWildcard.SetField("name")
		aliasWildcard := query.NewWildcardQuery("*" + tok + "*")
		aliasWildcard.SetField("aliases")
		tokenQueries = append(tokenQueries, nameWildcard, aliasWildcard)
	}
	if len(tokenQueries) == 0 {
		return nil, nil
	}
	tokenMatch := query.NewDisjunctionQuery(tokenQueries)
	tokenMatch.SetMin(1)

	visOwned := query.NewTermQuery(userID)
	visOwned.SetField("user_id")
	visShared := query.NewTermQuery(string(domain.VisibilityShared))
	visShared.SetField("visibility")
	reach := query.NewDisjunctionQuery([]query.Query{visOwned, visShared})
	reach.SetMin(1)

	clauses := []query.Query{tokenMatch, reach}
	if len(typeIDs) > 0 {
		typeClauses := make([]query.Query, 0, len(typeIDs))
		for _, t := range typeIDs {
			tq := query.NewTermQuery(t)
			tq.SetField("type_id")
			typeClauses = append(typeClauses, tq)
		}
		typeMatch := query.NewDisjunctionQuery(typeClauses)
		typeMatch.SetMin(1)
		clauses = append(clauses, typeMatch)
	}

	final := query.NewConjunctionQuery(clauses)
	req := bleve.NewSearchRequest(final)
	req.Size = 500
	req.Fields = []string{"entity_id", "name", "aliases", "type_id"}

	result, err := li.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	out := make([]LexicalDoc, 0, len(result.Hits))
	for _, hit := range result.Hits {
		out = append(out, LexicalDoc{
			EntityID: stringField(hit.Fields["entity_id"]),
			Name:     stringField(hit.Fields["name"]),
			Aliases:  stringSliceField(hit.Fields["aliases"]),
			TypeID:   stringField(hit.Fields["type_id"]),
		})
	}
	return out, nil
}

// normalizeToken returns raw's trimmed, lowercased form, memoized in
// tokenNorm so a token repeated across many FindEntityCandidates calls only
// pays the strings.ToLower/TrimSpace cost once.
func (li *LexicalIndex) normalizeToken(raw string) string {
	if norm, ok := li.tokenNorm.Get(raw); ok {
		return norm
	}
	norm := strings.ToLower(strings.TrimSpace(raw))
	li.tokenNorm.Add(raw, norm)
	return norm
}

// Close releases the underlying Bleve index.
func (li *LexicalIndex) Close() error {
	return li.index.Close()
}

func stringField(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func stringSliceField(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
