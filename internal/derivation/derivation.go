// Package derivation computes each payload block's (root_entity_id,
// block_level) pair ahead of the two-store commit. A block's level is its
// distance, in SUMMARIZES hops, from the DESCRIBED_BY edge that anchors its
// tree to an entity; its root entity is the entity reached by following
// DESCRIBED_BY upward from anywhere in that tree.
package derivation

import (
	"context"
	"fmt"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
)

// Lookup resolves the hierarchy context of a block already committed to the
// graph, needed whenever a payload SUMMARIZES edge or an unparented block
// reaches outside the payload. Results are scoped to what userID/visibility
// may see, per the Graph Repository contract.
type Lookup interface {
	GetExistingBlockContext(ctx context.Context, blockID, userID string, visibility domain.Visibility) (*domain.ExistingBlockContext, error)
}

type parentEdge struct {
	parentID        string
	viaDescribedBy bool
}

// Derive returns, for every block in delta.Blocks, its resolved hierarchy
// context. It fails with an InvalidInput error if a block's root cannot be
// resolved or if payload SUMMARIZES edges form a cycle. userID scopes
// external lookups to what the requester may see; each lookup's visibility
// bound is the visibility of the payload block doing the looking, per
// Visibility.Allowed (a PRIVATE block may still reach a SHARED parent, a
// SHARED block may not reach a PRIVATE one).
func Derive(ctx context.Context, delta domain.GraphDelta, lookup Lookup, userID string) (map[string]domain.ExistingBlockContext, error) {
	payloadBlocks := make(map[string]bool, len(delta.Blocks))
	blockVisibility := make(map[string]domain.Visibility, len(delta.Blocks))
	for _, blk := range delta.Blocks {
		payloadBlocks[blk.ID] = true
		blockVisibility[blk.ID] = blk.Visibility
	}

	parents := map[string]parentEdge{}
	for _, e := range delta.Edges {
		if !payloadBlocks[e.ToID] {
			continue
		}
		switch e.EdgeType {
		case domain.EdgeDescribedBy:
			parents[e.ToID] = parentEdge{parentID: e.FromID, viaDescribedBy: true}
		case domain.EdgeSummarizes:
			parents[e.ToID] = parentEdge{parentID: e.FromID, viaDescribedBy: false}
		}
	}

	d := &deriver{
		lookup:          lookup,
		payloadBlocks:   payloadBlocks,
		blockVisibility: blockVisibility,
		parents:         parents,
		memo:            map[string]domain.ExistingBlockContext{},
		external:        map[string]*domain.ExistingBlockContext{},
		userID:          userID,
	}

	results := make(map[string]domain.ExistingBlockContext, len(delta.Blocks))
	for _, blk := range delta.Blocks {
		res, err := d.resolve(ctx, blk.ID, map[string]bool{})
		if err != nil {
			return nil, err
		}
		results[blk.ID] = res
	}
	return results, nil
}

type deriver struct {
	lookup          Lookup
	payloadBlocks   map[string]bool
	blockVisibility map[string]domain.Visibility
	parents         map[string]parentEdge
	memo            map[string]domain.ExistingBlockContext
	external        map[string]*domain.ExistingBlockContext
	userID          string
}

// resolve computes blockID's context, memoizing results and tracking the
// current recursion path in visiting to reject cycles within payload
// SUMMARIZES edges.
func (d *deriver) resolve(ctx context.Context, blockID string, visiting map[string]bool) (domain.ExistingBlockContext, error) {
	if res, ok := d.memo[blockID]; ok {
		return res, nil
	}
	if visiting[blockID] {
		return domain.ExistingBlockContext{}, errs.Invalid([]string{
			fmt.Sprintf("cycle detected in SUMMARIZES edges at block %q", blockID),
		})
	}
	visiting[blockID] = true
	defer delete(visiting, blockID)

	pe, hasParent := d.parents[blockID]
	if !hasParent {
		extCtx, err := d.fetchExternal(ctx, blockID, d.blockVisibility[blockID])
		if err != nil {
			return domain.ExistingBlockContext{}, err
		}
		if extCtx == nil {
			return domain.ExistingBlockContext{}, errs.Invalid([]string{
				fmt.Sprintf("unable to resolve root_entity_id for block %q", blockID),
			})
		}
		d.memo[blockID] = *extCtx
		return *extCtx, nil
	}

	if pe.viaDescribedBy {
		res := domain.ExistingBlockContext{RootEntityID: pe.parentID, BlockLevel: 0}
		d.memo[blockID] = res
		return res, nil
	}

	var parentRes domain.ExistingBlockContext
	if d.payloadBlocks[pe.parentID] {
		var err error
		parentRes, err = d.resolve(ctx, pe.parentID, visiting)
		if err != nil {
			return domain.ExistingBlockContext{}, err
		}
	} else {
		extCtx, err := d.fetchExternal(ctx, pe.parentID, d.blockVisibility[blockID])
		if err != nil {
			return domain.ExistingBlockContext{}, err
		}
		if extCtx == nil {
			return domain.ExistingBlockContext{}, errs.Invalid([]string{
				fmt.Sprintf("unable to resolve root_entity_id for block %q via parent %q", blockID, pe.parentID),
			})
		}
		parentRes = *extCtx
	}

	res := domain.ExistingBlockContext{
		RootEntityID: parentRes.RootEntityID,
		UniverseID:   parentRes.UniverseID,
		BlockLevel:   parentRes.BlockLevel + 1,
	}
	d.memo[blockID] = res
	return res, nil
}

func (d *deriver) fetchExternal(ctx context.Context, blockID string, scopeVisibility domain.Visibility) (*domain.ExistingBlockContext, error) {
	if cached, ok := d.external[blockID]; ok {
		return cached, nil
	}
	res, err := d.lookup.GetExistingBlockContext(ctx, blockID, d.userID, scopeVisibility)
	if err != nil {
		return nil, errs.Upstream(err)
	}
	d.external[blockID] = res
	return res, nil
}
