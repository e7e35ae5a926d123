package graph

import (
	"context"
	"fmt"

	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
	"github.com/exobrain/knowledge-interface/internal/jsonx"
)

// Repository implements the Graph Repository contract on top of a Client.
type Repository struct {
	client *Client
	logger *zap.Logger
}

// NewRepository wires a Repository onto an already-connected Client.
func NewRepository(client *Client, logger *zap.Logger) *Repository {
	return &Repository{client: client, logger: logger.Named("graph_repository")}
}

// VectorUpserter is the vector index's write-side port required by the
// two-store commit protocol. Upsert must reject any block whose vector is
// empty or of the wrong dimension before touching the index; Delete is the
// best-effort compensation run when the graph commit fails after the
// vector upsert already succeeded.
type VectorUpserter interface {
	Upsert(ctx context.Context, blocks []domain.EmbeddedBlock) error
	Delete(ctx context.Context, ids []string) error
}

// ApplyDeltaWithBlocks upserts every universe, entity, block, and edge in
// delta, plus the embedded blocks' vectors, observing the two-store commit
// protocol: the graph transaction is opened without auto-commit, mutated,
// then the vector upsert runs before the transaction commits. If the vector
// upsert fails the transaction is discarded and the error surfaces as
// Upstream. If the transaction's commit itself fails after the vector
// upsert succeeded, the just-upserted vector points are best-effort deleted
// and the error surfaces as Commit. embeddedBlocks must correspond 1:1 to
// delta.Blocks (the Commit Coordinator builds both from the same derivation
// pass); block-only fields (root_entity_id, universe_id, block_level) are
// taken from embeddedBlocks rather than delta.Blocks.
func (r *Repository) ApplyDeltaWithBlocks(ctx context.Context, delta domain.GraphDelta, embeddedBlocks []domain.EmbeddedBlock, vindex VectorUpserter) (domain.UpsertGraphDeltaResult, error) {
	if issues := r.checkVisibilityReachability(ctx, delta); len(issues) > 0 {
		return domain.UpsertGraphDeltaResult{}, errs.Invalid(issues)
	}

	b := newUpsertBuilder()
	defer b.release()

	for _, u := range delta.Universes {
		subj := b.varFor(u.ID)
		b.writeType(subj, "Universe")
		b.writeStringTriple(subj, "node_id", u.ID)
		b.writeStringTriple(subj, "node_kind", "universe")
		b.writeStringTriple(subj, "user_id", u.UserID)
		b.writeStringTriple(subj, "visibility", string(u.Visibility))
		if u.Name != "" {
			b.writeStringTriple(subj, "name_hint", u.Name)
		}
	}

	for _, e := range delta.Entities {
		subj := b.varFor(e.ID)
		propsJSON, err := jsonx.MarshalToString(e.Properties)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, errs.Commit(fmt.Errorf("marshaling entity properties for %s: %w", e.ID, err))
		}
		b.writeLabels(subj, e.ResolvedLabels, "Entity")
		b.writeStringTriple(subj, "node_id", e.ID)
		b.writeStringTriple(subj, "node_kind", "entity")
		b.writeStringTriple(subj, "type_id", e.TypeID)
		b.writeStringTriple(subj, "user_id", e.UserID)
		b.writeStringTriple(subj, "visibility", string(e.Visibility))
		b.writeProperties(subj, e.Properties, propsJSON)
		if e.UniverseID != "" {
			b.writeStringTriple(subj, "universe_id", e.UniverseID)
			toSubj := b.varFor(e.UniverseID)
			b.writeTriple(subj, edgePredicate(domain.EdgeIsPartOf), toSubj)
		}
	}

	for _, eb := range embeddedBlocks {
		blk := eb.Block
		subj := b.varFor(blk.ID)
		propsJSON, err := jsonx.MarshalToString(blk.Properties)
		if err != nil {
			return domain.UpsertGraphDeltaResult{}, errs.Commit(fmt.Errorf("marshaling block properties for %s: %w", blk.ID, err))
		}
		b.writeLabels(subj, blk.ResolvedLabels, "Block")
		b.writeStringTriple(subj, "node_id", blk.ID)
		b.writeStringTriple(subj, "node_kind", "block")
		b.writeStringTriple(subj, "type_id", blk.TypeID)
		b.writeStringTriple(subj, "user_id", blk.UserID)
		b.writeStringTriple(subj, "visibility", string(blk.Visibility))
		b.writeProperties(subj, blk.Properties, propsJSON)
		b.writeStringTriple(subj, "root_entity_id", eb.RootEntityID)
		b.writeStringTriple(subj, "universe_id", eb.UniverseID)
		b.writeIntTriple(subj, "block_level", eb.BlockLevel)
	}

	for _, edge := range delta.Edges {
		fromSubj := b.varFor(edge.FromID)
		toSubj := b.varFor(edge.ToID)
		pred := edgePredicate(edge.EdgeType)
		b.set.WriteString(fromSubj)
		fmt.Fprintf(b.set, " <%s> %s", pred, toSubj)
		writeEdgeFacets(b.set, edge.Properties)
		b.set.WriteString(" .\n")
	}

	req := &api.Request{Query: b.queryDQL(), Mutations: []*api.Mutation{{SetNquads: b.setNquads()}}}

	txn := r.client.NewTxn()
	if _, err := txn.Do(ctx, req); err != nil {
		txn.Discard(ctx)
		return domain.UpsertGraphDeltaResult{}, errs.Commit(fmt.Errorf("mutating graph delta: %w", err))
	}

	if len(embeddedBlocks) > 0 {
		if err := vindex.Upsert(ctx, embeddedBlocks); err != nil {
			txn.Discard(ctx)
			return domain.UpsertGraphDeltaResult{}, errs.Upstream(fmt.Errorf("upserting embedded blocks into the vector index: %w", err))
		}
	}

	if err := txn.Commit(ctx); err != nil {
		if len(embeddedBlocks) > 0 {
			ids := make([]string, len(embeddedBlocks))
			for i, eb := range embeddedBlocks {
				ids[i] = eb.Block.ID
			}
			if delErr := vindex.Delete(ctx, ids); delErr != nil {
				r.logger.Warn("compensating vector delete failed after graph commit failure",
					zap.Error(delErr), zap.Int("attempted", len(ids)))
			}
		}
		return domain.UpsertGraphDeltaResult{}, errs.Commit(fmt.Errorf("committing graph transaction: %w", err))
	}

	return domain.UpsertGraphDeltaResult{
		UniversesUpserted: len(delta.Universes),
		EntitiesUpserted:  len(delta.Entities),
		BlocksUpserted:    len(embeddedBlocks),
		EdgesUpserted:     len(delta.Edges),
	}, nil
}

// checkVisibilityReachability enforces the edge visibility reachability
// rule ahead of the mutation: an edge's own visibility bounds the set of
// visibilities its endpoints may carry (Visibility.Allowed). Endpoints
// present in the payload are checked locally; endpoints not in the payload
// are looked up in the graph. A missing endpoint is itself a violation,
// since an edge to a node that doesn't exist can never be upserted.
func (r *Repository) checkVisibilityReachability(ctx context.Context, delta domain.GraphDelta) []string {
	known := map[string]domain.Visibility{}
	for _, u := range delta.Universes {
		known[u.ID] = u.Visibility
	}
	for _, e := range delta.Entities {
		known[e.ID] = e.Visibility
	}
	for _, blk := range delta.Blocks {
		known[blk.ID] = blk.Visibility
	}

	var issues []string
	for _, edge := range delta.Edges {
		if !edge.Visibility.Valid() {
			issues = append(issues, fmt.Sprintf("edge %s->%s has invalid visibility %q", edge.FromID, edge.ToID, edge.Visibility))
			continue
		}
		allowed := edge.Visibility.Allowed()

		fromVis, err := r.resolveVisibility(ctx, known, edge.FromID)
		if err != nil {
			issues = append(issues, fmt.Sprintf("edge %s->%s: from endpoint %q does not exist", edge.FromID, edge.ToID, edge.FromID))
			continue
		}
		toVis, err := r.resolveVisibility(ctx, known, edge.ToID)
		if err != nil {
			issues = append(issues, fmt.Sprintf("edge %s->%s: to endpoint %q does not exist", edge.FromID, edge.ToID, edge.ToID))
			continue
		}
		if !allowed[fromVis] || !allowed[toVis] {
			issues = append(issues, fmt.Sprintf("edge %s->%s of visibility %q cannot reach endpoints of visibility (%q, %q)", edge.FromID, edge.ToID, edge.Visibility, fromVis, toVis))
		}
	}
	return issues
}

func (r *Repository) resolveVisibility(ctx context.Context, known map[string]domain.Visibility, nodeID string) (domain.Visibility, error) {
	if v, ok := known[nodeID]; ok {
		return v, nil
	}
	query := `query Vis($id: string) {
		node(func: eq(node_id, $id)) {
			visibility
		}
	}`
	data, err := r.client.Query(ctx, query, map[string]string{"$id": nodeID})
	if err != nil {
		return "", errs.Upstream(err)
	}
	var result struct {
		Node []struct {
			Visibility domain.Visibility `json:"visibility"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return "", errs.Upstream(err)
	}
	if len(result.Node) == 0 {
		return "", fmt.Errorf("node %q not found", nodeID)
	}
	return result.Node[0].Visibility, nil
}

// CommonRootGraphExists reports whether the shared common-root universe has
// already been created.
func (r *Repository) CommonRootGraphExists(ctx context.Context) (bool, error) {
	return r.nodeExists(ctx, domain.CommonUniverseID)
}

// IsUserGraphInitialized reports whether InitializeUserGraph has already run
// for userID.
func (r *Repository) IsUserGraphInitialized(ctx context.Context, userID string) (bool, error) {
	query := `query Marker($userID: string) {
		marker(func: eq(user_id, $userID)) @filter(eq(node_kind, "user_init")) {
			uid
		}
	}`
	data, err := r.client.Query(ctx, query, map[string]string{"$userID": userID})
	if err != nil {
		return false, errs.Upstream(err)
	}
	var result struct {
		Marker []struct{ UID string `json:"uid"` } `json:"marker"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return false, errs.Upstream(err)
	}
	return len(result.Marker) > 0, nil
}

// MarkUserGraphInitialized records that InitializeUserGraph has run for
// userID, so future calls can be treated as a no-op.
func (r *Repository) MarkUserGraphInitialized(ctx context.Context, userID string) error {
	b := newUpsertBuilder()
	defer b.release()

	markerID := "user_init:" + userID
	subj := b.varFor(markerID)
	b.writeType(subj, "UserInit")
	b.writeStringTriple(subj, "node_id", markerID)
	b.writeStringTriple(subj, "node_kind", "user_init")
	b.writeStringTriple(subj, "user_id", userID)

	req := &api.Request{Query: b.queryDQL(), Mutations: []*api.Mutation{{SetNquads: b.setNquads()}}}
	if _, err := r.client.Do(ctx, req); err != nil {
		return errs.Commit(fmt.Errorf("marking user graph initialized for %s: %w", userID, err))
	}
	return nil
}

func (r *Repository) nodeExists(ctx context.Context, nodeID string) (bool, error) {
	query := `query Exists($id: string) {
		node(func: eq(node_id, $id)) {
			uid
		}
	}`
	data, err := r.client.Query(ctx, query, map[string]string{"$id": nodeID})
	if err != nil {
		return false, errs.Upstream(err)
	}
	var result struct {
		Node []struct{ UID string `json:"uid"` } `json:"node"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return false, errs.Upstream(err)
	}
	return len(result.Node) > 0, nil
}

// GetExistingBlockContext returns the hierarchy context of an already
// committed block, used to decide whether an incoming block extends an
// existing subtree or starts a new one. Only blocks visible to userID
// (owned by userID, or carrying a visibility in visibility.Allowed()) are
// considered; a block outside that scope is treated as not found, the same
// as one that doesn't exist.
func (r *Repository) GetExistingBlockContext(ctx context.Context, blockID, userID string, visibility domain.Visibility) (*domain.ExistingBlockContext, error) {
	query := `query Block($id: string) {
		block(func: eq(node_id, $id)) @filter(eq(node_kind, "block")) {
			root_entity_id
			universe_id
			block_level
			user_id
			visibility
		}
	}`
	data, err := r.client.Query(ctx, query, map[string]string{"$id": blockID})
	if err != nil {
		return nil, errs.Upstream(err)
	}
	var result struct {
		Block []struct {
			domain.ExistingBlockContext
			UserID     string            `json:"user_id"`
			Visibility domain.Visibility `json:"visibility"`
		} `json:"block"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, errs.Upstream(err)
	}
	if len(result.Block) == 0 {
		return nil, nil
	}
	found := result.Block[0]
	allowed := visibility.Allowed()
	if found.UserID != userID && !allowed[found.Visibility] {
		return nil, nil
	}
	return &found.ExistingBlockContext, nil
}

// GetEntitiesByIDs fetches display fields (name, type_id) for the given
// entity ids, restricted to those visible to userID (self or SHARED),
// forming the final merge-and-filter step of the Candidate Scorer.
func (r *Repository) GetEntitiesByIDs(ctx context.Context, ids []string, userID string) (map[string]domain.EntityCandidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var filters string
	for i, id := range ids {
		if i > 0 {
			filters += " OR "
		}
		filters += fmt.Sprintf("eq(node_id, %s)", quote(id))
	}

	query := fmt.Sprintf(`query Entities {
		entities(func: eq(node_kind, "entity")) @filter(%s) {
			node_id
			name_hint
			type_id
			user_id
			visibility
		}
	}`, filters)

	data, err := r.client.Query(ctx, query, nil)
	if err != nil {
		return nil, errs.Upstream(err)
	}
	var result struct {
		Entities []struct {
			NodeID     string            `json:"node_id"`
			NameHint   string            `json:"name_hint"`
			TypeID     string            `json:"type_id"`
			UserID     string            `json:"user_id"`
			Visibility domain.Visibility `json:"visibility"`
		} `json:"entities"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, errs.Upstream(err)
	}

	out := make(map[string]domain.EntityCandidate, len(result.Entities))
	for _, e := range result.Entities {
		if e.UserID != userID && e.Visibility != domain.VisibilityShared {
			continue
		}
		out[e.NodeID] = domain.EntityCandidate{ID: e.NodeID, Name: e.NameHint, TypeID: e.TypeID}
	}
	return out, nil
}

// GetEntityUniverseID returns entityID's universe_id, used to fill in a
// derived block's universe_id when its root entity was resolved via a
// DESCRIBED_BY edge rather than inherited from an existing block context.
func (r *Repository) GetEntityUniverseID(ctx context.Context, entityID string) (string, error) {
	query := `query Entity($id: string) {
		entity(func: eq(node_id, $id)) @filter(eq(node_kind, "entity")) {
			universe_id
		}
	}`
	data, err := r.client.Query(ctx, query, map[string]string{"$id": entityID})
	if err != nil {
		return "", errs.Upstream(err)
	}
	var result struct {
		Entity []struct {
			UniverseID string `json:"universe_id"`
		} `json:"entity"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return "", errs.Upstream(err)
	}
	if len(result.Entity) == 0 {
		return "", nil
	}
	return result.Entity[0].UniverseID, nil
}

// GetNodeRelationshipCounts summarizes nodeID's incident structural edges.
//
// IS_PART_OF/DESCRIBED_BY/SUMMARIZES are all written with the child as
// mutation subject (entity -IS_PART_OF-> universe, entity -DESCRIBED_BY->
// block, block -SUMMARIZES-> block), so an entity's own membership edge is
// the forward predicate, while a block's incoming structural parent edge
// (the one the exactly-one-parent cardinality rule counts) is the reverse
// predicate.
func (r *Repository) GetNodeRelationshipCounts(ctx context.Context, nodeID string) (domain.NodeRelationshipCounts, error) {
	isPartOf := edgePredicate(domain.EdgeIsPartOf)
	describedBy := edgePredicate(domain.EdgeDescribedBy)
	summarizes := edgePredicate(domain.EdgeSummarizes)

	query := fmt.Sprintf(`query Counts($id: string) {
		node(func: eq(node_id, $id)) {
			out_is_part_of: count(%[1]s)
			in_is_part_of: count(~%[1]s)
			out_described_by: count(%[2]s)
			in_described_by: count(~%[2]s)
			out_summarizes: count(%[3]s)
			in_summarizes: count(~%[3]s)
		}
	}`, isPartOf, describedBy, summarizes)

	data, err := r.client.Query(ctx, query, map[string]string{"$id": nodeID})
	if err != nil {
		return domain.NodeRelationshipCounts{}, errs.Upstream(err)
	}
	var result struct {
		Node []struct {
			OutIsPartOf    int64 `json:"out_is_part_of"`
			InIsPartOf     int64 `json:"in_is_part_of"`
			OutDescribedBy int64 `json:"out_described_by"`
			InDescribedBy  int64 `json:"in_described_by"`
			OutSummarizes  int64 `json:"out_summarizes"`
			InSummarizes   int64 `json:"in_summarizes"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return domain.NodeRelationshipCounts{}, errs.Upstream(err)
	}
	if len(result.Node) == 0 {
		return domain.NodeRelationshipCounts{}, nil
	}
	n := result.Node[0]
	return domain.NodeRelationshipCounts{
		Total:            n.OutIsPartOf + n.InIsPartOf + n.OutDescribedBy + n.InDescribedBy + n.OutSummarizes + n.InSummarizes,
		EntityIsPartOf:   n.OutIsPartOf,
		BlockParentEdges: n.InDescribedBy + n.InSummarizes,
	}, nil
}

