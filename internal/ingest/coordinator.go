// Package ingest implements the Commit Coordinator (C7): the single
// synchronous entry point that turns one caller-submitted GraphDelta into a
// committed graph mutation plus its embedded blocks, serialized per user by
// LockManager.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/derivation"
	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
	"github.com/exobrain/knowledge-interface/internal/graph"
	"github.com/exobrain/knowledge-interface/internal/validator"
)

// SchemaSnapshotter is the Commit Coordinator's schema-side port, satisfied
// by *schema.Service.
type SchemaSnapshotter interface {
	Snapshot(ctx context.Context) (domain.SchemaSnapshot, error)
}

// Embedder is the Commit Coordinator's embedding-side port, satisfied by
// *embedding.Service.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// GraphStore is the Commit Coordinator's graph-side port, satisfied by
// *graph.Repository. It composes derivation.Lookup so a Repository can be
// handed straight to derivation.Derive.
type GraphStore interface {
	derivation.Lookup
	GetNodeRelationshipCounts(ctx context.Context, nodeID string) (domain.NodeRelationshipCounts, error)
	GetEntityUniverseID(ctx context.Context, entityID string) (string, error)
	ApplyDeltaWithBlocks(ctx context.Context, delta domain.GraphDelta, embeddedBlocks []domain.EmbeddedBlock, vindex graph.VectorUpserter) (domain.UpsertGraphDeltaResult, error)
}

// LexicalIndexer is the Commit Coordinator's optional lexical-index port,
// satisfied by *candidates.LexicalIndex. Feeding it here, rather than from
// a separate reconciliation job, keeps the Candidate Scorer's lexical
// stream consistent with the graph on every successful commit.
type LexicalIndexer interface {
	Put(ctx context.Context, entityID, name string, aliases []string, typeID, userID string, visibility domain.Visibility) error
}

// Stats tracks coordinator throughput, mirroring the shape the graph
// ingestion pipeline this package is adapted from kept for observability.
type Stats struct {
	TotalRuns      int64
	TotalErrors    int64
	LastDurationMs int64
}

// Coordinator runs the eight-step commit algorithm: snapshot schema, collect
// relationship counts, validate, attach resolved labels, extract block text,
// embed, derive hierarchy context, and commit both stores.
type Coordinator struct {
	schema  SchemaSnapshotter
	repo    GraphStore
	embed   Embedder
	vindex  graph.VectorUpserter
	lexical LexicalIndexer
	locks   *LockManager
	logger  *zap.Logger
	stats   Stats
}

// NewCoordinator wires a Coordinator onto its already-connected dependencies.
// locks may be nil, in which case runs are not serialized per user (used by
// tests exercising the algorithm without Redis). lexical may be nil, in
// which case the Candidate Scorer's lexical stream is not kept up to date
// by this coordinator (used by tests exercising the algorithm without a
// Bleve index, and tolerable in production since FindEntityCandidates
// degrades to an empty lexical stream rather than failing).
func NewCoordinator(schema SchemaSnapshotter, repo GraphStore, embed Embedder, vindex graph.VectorUpserter, lexical LexicalIndexer, locks *LockManager, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		schema:  schema,
		repo:    repo,
		embed:   embed,
		vindex:  vindex,
		lexical: lexical,
		locks:   locks,
		logger:  logger.Named("commit_coordinator"),
	}
}

// Run commits delta on behalf of userID. With a lock manager configured, a
// run that finds another run for the same user in flight fails at once with
// a Conflict error rather than waiting for it.
func (c *Coordinator) Run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error) {
	start := time.Now()

	if c.locks != nil {
		lock, err := c.locks.AcquireUserLock(ctx, userID)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, errs.Conflict(err.Error())
		}
		defer lock.release()
	}

	result, err := c.run(ctx, userID, delta)
	c.updateStats(time.Since(start), err)
	return result, err
}

func (c *Coordinator) run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error) {
	// An absent universe_id means membership in the common universe.
	// Normalizing here, ahead of validation, means the implicit IS_PART_OF
	// edge is counted, written, and reflected in the embedded blocks the
	// same way an explicit membership would be.
	for i := range delta.Entities {
		if delta.Entities[i].UniverseID == "" {
			delta.Entities[i].UniverseID = domain.CommonUniverseID
		}
	}

	// Step 1: snapshot the schema so validation and label resolution run as
	// pure computation over already-fetched data.
	snapshot, err := c.schema.Snapshot(ctx)
	if err != nil {
		return domain.UpsertGraphDeltaResult{}, err
	}

	// Step 2: collect pre-existing relationship counts for every node the
	// delta references, so topology rules see payload counts plus graph
	// counts together.
	counts, err := c.collectCounts(ctx, delta)
	if err != nil {
		return domain.UpsertGraphDeltaResult{}, err
	}

	// Step 3: validate.
	if _, err := validator.Validate(delta, snapshot, counts); err != nil {
		return domain.UpsertGraphDeltaResult{}, err
	}

	// Step 4: attach resolved_labels to every entity and block.
	for i := range delta.Entities {
		labels, err := validator.ResolveLabels(snapshot, delta.Entities[i].TypeID)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, err
		}
		delta.Entities[i].ResolvedLabels = labels
	}
	for i := range delta.Blocks {
		labels, err := validator.ResolveLabels(snapshot, delta.Blocks[i].TypeID)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, err
		}
		delta.Blocks[i].ResolvedLabels = labels
	}

	// Step 5: extract block text.
	texts := make([]string, len(delta.Blocks))
	for i, blk := range delta.Blocks {
		texts[i] = blk.Text()
	}

	// Step 6: embed. EmbedTexts preserves order and length; a mismatch is
	// its own Upstream error, so the index alignment below is safe.
	vectors, err := c.embed.EmbedTexts(ctx, texts)
	if err != nil {
		return domain.UpsertGraphDeltaResult{}, err
	}
	if len(vectors) != len(delta.Blocks) {
		return domain.UpsertGraphDeltaResult{}, errs.Upstream(fmt.Errorf("embedder returned %d vectors for %d blocks", len(vectors), len(delta.Blocks)))
	}

	// Step 7: derive each block's root entity and level, then resolve
	// universe_id, falling back to the root entity's own universe and
	// finally the common universe.
	derived, err := derivation.Derive(ctx, delta, c.repo, userID)
	if err != nil {
		return domain.UpsertGraphDeltaResult{}, err
	}

	entityUniverse := make(map[string]string, len(delta.Entities))
	for _, e := range delta.Entities {
		entityUniverse[e.ID] = e.UniverseID
	}

	embeddedBlocks := make([]domain.EmbeddedBlock, len(delta.Blocks))
	for i, blk := range delta.Blocks {
		ctxInfo := derived[blk.ID]
		universeID, err := c.resolveUniverseID(ctx, ctxInfo, entityUniverse)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, err
		}
		embeddedBlocks[i] = domain.EmbeddedBlock{
			Block:        blk,
			UniverseID:   universeID,
			RootEntityID: ctxInfo.RootEntityID,
			UserID:       blk.UserID,
			Visibility:   blk.Visibility,
			Vector:       vectors[i],
			BlockLevel:   ctxInfo.BlockLevel,
			Text:         texts[i],
		}
	}

	// Step 8: commit both stores.
	result, err := c.repo.ApplyDeltaWithBlocks(ctx, delta, embeddedBlocks, c.vindex)
	if err != nil {
		return result, err
	}

	c.feedLexicalIndex(ctx, delta)
	return result, nil
}

// feedLexicalIndex keeps the Candidate Scorer's lexical stream current with
// every entity the commit just upserted. Run only after the graph commit
// succeeds, so the lexical index never advertises an entity the graph
// doesn't have. A per-entity indexing failure is logged, not propagated:
// the commit itself already succeeded, and a stale lexical entry is a
// degraded search result, not a correctness violation.
func (c *Coordinator) feedLexicalIndex(ctx context.Context, delta domain.GraphDelta) {
	if c.lexical == nil {
		return
	}
	for _, e := range delta.Entities {
		if err := c.lexical.Put(ctx, e.ID, e.Name(), e.Aliases(), e.TypeID, e.UserID, e.Visibility); err != nil {
			c.logger.Warn("lexical index put failed", zap.String("entity_id", e.ID), zap.Error(err))
		}
	}
}

// resolveUniverseID fills in a derived block's universe_id when derivation
// left it blank (the DESCRIBED_BY anchor case, where the context only
// carries the root entity id). It checks the payload's own entities first,
// then falls back to a graph lookup, then the common universe.
func (c *Coordinator) resolveUniverseID(ctx context.Context, ctxInfo domain.ExistingBlockContext, entityUniverse map[string]string) (string, error) {
	if ctxInfo.UniverseID != "" {
		return ctxInfo.UniverseID, nil
	}
	if u, ok := entityUniverse[ctxInfo.RootEntityID]; ok && u != "" {
		return u, nil
	}
	u, err := c.repo.GetEntityUniverseID(ctx, ctxInfo.RootEntityID)
	if err != nil {
		return "", err
	}
	if u != "" {
		return u, nil
	}
	return domain.CommonUniverseID, nil
}

// collectCounts fetches GetNodeRelationshipCounts for every distinct node id
// the delta references (universes, entities, blocks), sequentially; the
// commit lock already bounds concurrency to one run per user, so there is no
// contention to hide behind a worker pool here.
func (c *Coordinator) collectCounts(ctx context.Context, delta domain.GraphDelta) (map[string]domain.NodeRelationshipCounts, error) {
	ids := make(map[string]bool)
	for _, u := range delta.Universes {
		ids[u.ID] = true
	}
	for _, e := range delta.Entities {
		ids[e.ID] = true
	}
	for _, blk := range delta.Blocks {
		ids[blk.ID] = true
	}

	counts := make(map[string]domain.NodeRelationshipCounts, len(ids))
	for id := range ids {
		nodeCounts, err := c.repo.GetNodeRelationshipCounts(ctx, id)
		if err != nil {
			return nil, err
		}
		counts[id] = nodeCounts
	}
	return counts, nil
}

func (c *Coordinator) updateStats(d time.Duration, err error) {
	c.stats.TotalRuns++
	c.stats.LastDurationMs = d.Milliseconds()
	if err != nil {
		c.stats.TotalErrors++
	}
}

// GetStats returns the coordinator's running throughput counters.
func (c *Coordinator) GetStats() Stats {
	return c.stats
}
