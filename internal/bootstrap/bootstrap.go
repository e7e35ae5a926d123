// Package bootstrap implements the Bootstrap component (C8): idempotently
// materializing the shared common-root subgraph once at process start, and
// idempotently materializing a user's starter subgraph on first contact.
// Both operations build a fixed delta and submit it through the same
// Commit Coordinator every other caller uses, so the two-store commit
// protocol and schema validation apply here exactly as they do to any other
// ingest.
package bootstrap

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// Node type ids for the per-user starter subgraph. The Schema Registry
// seeds these (plus edge.knows and its endpoint rule) at migration time,
// so the starter delta passes the same validation every ingest does;
// InitializeUserGraph never creates schema types itself.
const (
	typeNodePerson  = "node.person"
	typeNodeAIAgent = "node.ai_agent"
	edgeKnows       = "KNOWS"
)

// idNamespace fixes the UUIDv5 namespace deterministic per-user entity and
// block ids are derived from, so the same (user_id) always yields the same
// ids across retries and restarts.
var idNamespace = uuid.MustParse("6fa99d10-2027-4f1e-9f0c-71c7a54a9a23")

// Runner is the Bootstrap component's graph-side port.
type Runner interface {
	CommonRootGraphExists(ctx context.Context) (bool, error)
	IsUserGraphInitialized(ctx context.Context, userID string) (bool, error)
	MarkUserGraphInitialized(ctx context.Context, userID string) error
}

// Committer runs a delta through the regular commit path, satisfied by
// *ingest.Coordinator.
type Committer interface {
	Run(ctx context.Context, userID string, delta domain.GraphDelta) (domain.UpsertGraphDeltaResult, error)
}

// Bootstrap wires the common-root and per-user initialization operations
// onto an already-connected Runner and Committer.
type Bootstrap struct {
	runner    Runner
	committer Committer
	logger    *zap.Logger
}

// New wires a Bootstrap.
func New(runner Runner, committer Committer, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{runner: runner, committer: committer, logger: logger.Named("bootstrap")}
}

// EnsureCommonRootGraph installs the shared common universe, root entity,
// and root block if they do not already exist. It is safe to call on every
// process start.
func (b *Bootstrap) EnsureCommonRootGraph(ctx context.Context) error {
	exists, err := b.runner.CommonRootGraphExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	delta := domain.GraphDelta{
		Universes: []domain.UniverseNode{{
			ID: domain.CommonUniverseID, Name: "Common", UserID: domain.ExobrainOwnerID, Visibility: domain.VisibilityShared,
		}},
		Entities: []domain.EntityNode{{
			ID: domain.CommonRootEntityID, TypeID: domain.TypeNodeEntity, UniverseID: domain.CommonUniverseID,
			UserID: domain.ExobrainOwnerID, Visibility: domain.VisibilityShared,
			Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Common Root"}},
		}},
		Blocks: []domain.BlockNode{{
			ID: domain.CommonRootBlockID, TypeID: domain.TypeNodeBlock, UserID: domain.ExobrainOwnerID, Visibility: domain.VisibilityShared,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "This is the shared root of every universe."}},
		}},
		Edges: []domain.GraphEdge{
			{FromID: domain.CommonRootEntityID, ToID: domain.CommonRootBlockID, EdgeType: domain.EdgeDescribedBy, UserID: domain.ExobrainOwnerID, Visibility: domain.VisibilityShared},
		},
	}

	if _, err := b.committer.Run(ctx, domain.ExobrainOwnerID, delta); err != nil {
		return err
	}
	b.logger.Info("installed common root graph")
	return nil
}

// InitializeUserGraph idempotently installs userID's starter subgraph: a
// person entity, an assistant entity, a descriptive block anchored to the
// assistant, and the four edges tying them into the common universe (two
// memberships, the block anchor, and a KNOWS edge between person and
// assistant), all owned by userID. If userID was already initialized, it
// reports the universe id with zero upsert counts rather than writing
// anything again.
func (b *Bootstrap) InitializeUserGraph(ctx context.Context, userID, userName string) (domain.InitializeUserGraphResult, error) {
	already, err := b.runner.IsUserGraphInitialized(ctx, userID)
	if err != nil {
		return domain.InitializeUserGraphResult{}, err
	}
	if already {
		return domain.InitializeUserGraphResult{UniverseID: domain.CommonUniverseID}, nil
	}

	personID := deterministicID("person:" + userID)
	assistantID := deterministicID("assistant:" + userID)
	blockID := deterministicID("assistant-block:" + userID)

	delta := domain.GraphDelta{
		Entities: []domain.EntityNode{
			{
				ID: personID, TypeID: typeNodePerson, UniverseID: domain.CommonUniverseID,
				UserID: userID, Visibility: domain.VisibilityPrivate,
				Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: userName}},
			},
			{
				ID: assistantID, TypeID: typeNodeAIAgent, UniverseID: domain.CommonUniverseID,
				UserID: userID, Visibility: domain.VisibilityPrivate,
				Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Assistant"}},
			},
		},
		Blocks: []domain.BlockNode{{
			ID: blockID, TypeID: domain.TypeNodeBlock, UserID: userID, Visibility: domain.VisibilityPrivate,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "Assistant helping " + userName + " build their knowledge graph."}},
		}},
		Edges: []domain.GraphEdge{
			{FromID: personID, ToID: domain.CommonUniverseID, EdgeType: domain.EdgeIsPartOf, UserID: userID, Visibility: domain.VisibilityPrivate},
			{FromID: assistantID, ToID: domain.CommonUniverseID, EdgeType: domain.EdgeIsPartOf, UserID: userID, Visibility: domain.VisibilityPrivate},
			{FromID: assistantID, ToID: blockID, EdgeType: domain.EdgeDescribedBy, UserID: userID, Visibility: domain.VisibilityPrivate},
			{FromID: personID, ToID: assistantID, EdgeType: edgeKnows, UserID: userID, Visibility: domain.VisibilityPrivate},
		},
	}

	result, err := b.committer.Run(ctx, userID, delta)
	if err != nil {
		return domain.InitializeUserGraphResult{}, err
	}
	if err := b.runner.MarkUserGraphInitialized(ctx, userID); err != nil {
		return domain.InitializeUserGraphResult{}, err
	}

	b.logger.Info("initialized user graph", zap.String("user_id", userID))
	return domain.InitializeUserGraphResult{
		UniverseID:       domain.CommonUniverseID,
		EntitiesUpserted: result.EntitiesUpserted,
		BlocksUpserted:   result.BlocksUpserted,
		EdgesUpserted:    result.EdgesUpserted,
	}, nil
}

// deterministicID derives a UUIDv5 from idNamespace and name, so the same
// name always yields the same id across retries and process restarts.
func deterministicID(name string) string {
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
