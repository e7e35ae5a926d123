package validator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

func baseSnapshot() domain.SchemaSnapshot {
	edgeIsPartOf := "edge.is_part_of"
	edgeDescribedBy := "edge.described_by"
	edgeSummarizes := "edge.summarizes"

	return domain.SchemaSnapshot{
		NodeTypes: map[string]bool{
			domain.TypeNodeEntity:    true,
			domain.TypeNodeBlock:     true,
			domain.TypeNodeUniverse:  true,
			"node.person":            true,
		},
		EdgeTypes: map[string]bool{
			edgeIsPartOf:    true,
			edgeDescribedBy: true,
			edgeSummarizes:  true,
		},
		ParentByType: map[string]string{
			"node.person": domain.TypeNodeEntity,
		},
		AllowedProperties: map[string]map[string]domain.TypeProperty{
			"node.person": {
				"name": {OwnerTypeID: "node.person", PropName: "name", ValueType: domain.ValueTypeString, Required: true},
			},
			domain.TypeNodeBlock: {
				"text": {OwnerTypeID: domain.TypeNodeBlock, PropName: "text", ValueType: domain.ValueTypeString},
			},
			edgeIsPartOf:    {},
			edgeDescribedBy: {},
			edgeSummarizes:  {},
		},
		EndpointRules: map[string][]domain.EdgeEndpointRule{
			edgeIsPartOf:    {{EdgeTypeID: edgeIsPartOf, FromNodeType: domain.TypeNodeEntity, ToNodeType: domain.TypeNodeUniverse, Active: true}},
			edgeDescribedBy: {{EdgeTypeID: edgeDescribedBy, FromNodeType: domain.TypeNodeEntity, ToNodeType: domain.TypeNodeBlock, Active: true}},
			edgeSummarizes:  {{EdgeTypeID: edgeSummarizes, FromNodeType: domain.TypeNodeBlock, ToNodeType: domain.TypeNodeBlock, Active: true}},
		},
	}
}

func TestValidateMinimalIngestSucceeds(t *testing.T) {
	snapshot := baseSnapshot()

	personID := "550e8400-e29b-41d4-a716-446655440001"
	blockID := "550e8400-e29b-41d4-a716-446655440002"

	delta := domain.GraphDelta{
		Entities: []domain.EntityNode{{
			ID: personID, TypeID: "node.person", UniverseID: domain.CommonUniverseID,
			Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Alex"}},
		}},
		Blocks: []domain.BlockNode{{
			ID: blockID, TypeID: domain.TypeNodeBlock,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "Alex is a close friend."}},
		}},
		Edges: []domain.GraphEdge{
			{FromID: personID, ToID: blockID, EdgeType: domain.EdgeDescribedBy},
		},
	}

	result, err := Validate(delta, snapshot, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Inheritance)
}

func TestValidateAggregatesMultipleIssues(t *testing.T) {
	snapshot := baseSnapshot()

	delta := domain.GraphDelta{
		Entities: []domain.EntityNode{{
			ID: "not-a-uuid", TypeID: "node.person", UniverseID: domain.CommonUniverseID,
		}},
		Edges: []domain.GraphEdge{
			{FromID: "550e8400-e29b-41d4-a716-446655440001", ToID: "550e8400-e29b-41d4-a716-446655440002", EdgeType: "unknown type"},
		},
	}

	_, err := Validate(delta, snapshot, nil)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "not a valid UUID")
	require.Contains(t, msg, "missing required property")
	require.Contains(t, msg, "must match")
}

func TestValidateRejectsUnknownEdgeType(t *testing.T) {
	snapshot := baseSnapshot()
	delta := domain.GraphDelta{
		Edges: []domain.GraphEdge{
			{FromID: "550e8400-e29b-41d4-a716-446655440001", ToID: "550e8400-e29b-41d4-a716-446655440002", EdgeType: "FLUBBER"},
		},
	}
	_, err := Validate(delta, snapshot, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a known edge type")
}

func TestValidateTopologyRequiresExactlyOneBlockParent(t *testing.T) {
	snapshot := baseSnapshot()
	blockID := "550e8400-e29b-41d4-a716-446655440002"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{
			ID: blockID, TypeID: domain.TypeNodeBlock,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "orphan"}},
		}},
	}

	_, err := Validate(delta, snapshot, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one incoming DESCRIBED_BY/SUMMARIZES")
}

func TestValidateTopologyUsesExistingGraphCounts(t *testing.T) {
	snapshot := baseSnapshot()
	blockID := "550e8400-e29b-41d4-a716-446655440002"

	// Updating an existing block's text without resupplying its parent
	// edge must still pass, since the graph already reports one parent.
	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{
			ID: blockID, TypeID: domain.TypeNodeBlock,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "updated text"}},
		}},
	}
	counts := map[string]domain.NodeRelationshipCounts{
		blockID: {Total: 1, BlockParentEdges: 1},
	}

	_, err := Validate(delta, snapshot, counts)
	require.NoError(t, err)
}

func TestValidateEndpointRuleViolation(t *testing.T) {
	snapshot := baseSnapshot()
	personID := "550e8400-e29b-41d4-a716-446655440001"
	blockID := "550e8400-e29b-41d4-a716-446655440002"

	delta := domain.GraphDelta{
		Entities: []domain.EntityNode{{
			ID: personID, TypeID: "node.person", UniverseID: domain.CommonUniverseID,
			Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Alex"}},
		}},
		Blocks: []domain.BlockNode{{
			ID: blockID, TypeID: domain.TypeNodeBlock,
			Properties: []domain.PropertyValue{{Key: "text", ValueType: domain.ValueTypeString, StringVal: "x"}},
		}},
		Edges: []domain.GraphEdge{
			// SUMMARIZES from an entity is never permitted (rule requires block->block).
			{FromID: personID, ToID: blockID, EdgeType: domain.EdgeSummarizes},
		},
	}

	_, err := Validate(delta, snapshot, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not permitted by any endpoint rule")
}

func TestValidateUniverseBypassesEndpointRules(t *testing.T) {
	snapshot := baseSnapshot()
	universeID := "550e8400-e29b-41d4-a716-446655440099"
	personID := "550e8400-e29b-41d4-a716-446655440001"

	delta := domain.GraphDelta{
		Universes: []domain.UniverseNode{{ID: universeID, Name: "Custom"}},
		Entities: []domain.EntityNode{{
			ID: personID, TypeID: "node.person", UniverseID: universeID,
			Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Alex"}},
		}},
		Edges: []domain.GraphEdge{
			// Deliberately use an edge type with no endpoint rule for entity->universe.
			{FromID: personID, ToID: universeID, EdgeType: "ODDLY_NAMED"},
		},
	}
	snapshot.EdgeTypes["edge.oddly_named"] = true
	snapshot.AllowedProperties["edge.oddly_named"] = map[string]domain.TypeProperty{}

	_, err := Validate(delta, snapshot, nil)
	require.NoError(t, err)
}

func TestValidateUniverseReferenceMustBeKnownOrCommon(t *testing.T) {
	snapshot := baseSnapshot()
	personID := "550e8400-e29b-41d4-a716-446655440001"

	delta := domain.GraphDelta{
		Entities: []domain.EntityNode{{
			ID: personID, TypeID: "node.person", UniverseID: "550e8400-e29b-41d4-a716-446655440077",
			Properties: []domain.PropertyValue{{Key: "name", ValueType: domain.ValueTypeString, StringVal: "Alex"}},
		}},
	}

	_, err := Validate(delta, snapshot, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not present in the payload or common universe")
}

func TestResolveLabelsRootFirst(t *testing.T) {
	snapshot := baseSnapshot()
	labels, err := ResolveLabels(snapshot, "node.person")
	require.NoError(t, err)
	require.Equal(t, []string{"Entity", "Person"}, labels)
}
