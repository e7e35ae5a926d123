package derivation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

type fakeLookup struct {
	contexts map[string]*domain.ExistingBlockContext
	calls    int
}

func (f *fakeLookup) GetExistingBlockContext(ctx context.Context, blockID, userID string, visibility domain.Visibility) (*domain.ExistingBlockContext, error) {
	f.calls++
	return f.contexts[blockID], nil
}

const testUserID = "user-1"

func TestDeriveMinimalIngestAssignsLevelZero(t *testing.T) {
	personID := "550e8400-e29b-41d4-a716-446655440001"
	blockID := "550e8400-e29b-41d4-a716-446655440002"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{ID: blockID, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate}},
		Edges: []domain.GraphEdge{
			{FromID: personID, ToID: blockID, EdgeType: domain.EdgeDescribedBy},
		},
	}

	results, err := Derive(context.Background(), delta, &fakeLookup{}, testUserID)
	require.NoError(t, err)
	require.Equal(t, domain.ExistingBlockContext{RootEntityID: personID, BlockLevel: 0}, results[blockID])
}

func TestDeriveHierarchicalBlockInheritsExternalRoot(t *testing.T) {
	parentBlockID := "9a8cfa48-1234-4a4a-8a4a-1234567b9b7a"
	childBlockID := "0fdf1234-5678-4a4a-8a4a-1234567d5d0f"
	rootEntityID := "8c75cc89-6204-4fed-aec1-34d032ff95ee"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{ID: childBlockID, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate}},
		Edges: []domain.GraphEdge{
			{FromID: parentBlockID, ToID: childBlockID, EdgeType: domain.EdgeSummarizes},
		},
	}
	lookup := &fakeLookup{contexts: map[string]*domain.ExistingBlockContext{
		parentBlockID: {RootEntityID: rootEntityID, BlockLevel: 0},
	}}

	results, err := Derive(context.Background(), delta, lookup, testUserID)
	require.NoError(t, err)
	require.Equal(t, domain.ExistingBlockContext{RootEntityID: rootEntityID, BlockLevel: 1}, results[childBlockID])
	require.Equal(t, 1, lookup.calls)
}

func TestDeriveChainWithinPayloadPropagatesLevels(t *testing.T) {
	entityID := "550e8400-e29b-41d4-a716-446655440001"
	rootBlock := "550e8400-e29b-41d4-a716-446655440010"
	midBlock := "550e8400-e29b-41d4-a716-446655440011"
	leafBlock := "550e8400-e29b-41d4-a716-446655440012"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{
			{ID: rootBlock, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate},
			{ID: midBlock, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate},
			{ID: leafBlock, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate},
		},
		Edges: []domain.GraphEdge{
			// Deliberately out of topological order to exercise recursion,
			// not just a single forward pass.
			{FromID: midBlock, ToID: leafBlock, EdgeType: domain.EdgeSummarizes},
			{FromID: entityID, ToID: rootBlock, EdgeType: domain.EdgeDescribedBy},
			{FromID: rootBlock, ToID: midBlock, EdgeType: domain.EdgeSummarizes},
		},
	}

	results, err := Derive(context.Background(), delta, &fakeLookup{}, testUserID)
	require.NoError(t, err)
	require.Equal(t, int64(0), results[rootBlock].BlockLevel)
	require.Equal(t, int64(1), results[midBlock].BlockLevel)
	require.Equal(t, int64(2), results[leafBlock].BlockLevel)
	require.Equal(t, entityID, results[leafBlock].RootEntityID)
}

func TestDeriveRejectsCycleInPayloadSummarizes(t *testing.T) {
	blockA := "550e8400-e29b-41d4-a716-446655440020"
	blockB := "550e8400-e29b-41d4-a716-446655440021"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{
			{ID: blockA, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate},
			{ID: blockB, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate},
		},
		Edges: []domain.GraphEdge{
			{FromID: blockA, ToID: blockB, EdgeType: domain.EdgeSummarizes},
			{FromID: blockB, ToID: blockA, EdgeType: domain.EdgeSummarizes},
		},
	}

	_, err := Derive(context.Background(), delta, &fakeLookup{}, testUserID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle detected")
}

func TestDeriveUnparentedUpdateConsultsExistingContext(t *testing.T) {
	blockID := "550e8400-e29b-41d4-a716-446655440030"
	rootEntityID := "550e8400-e29b-41d4-a716-446655440001"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{ID: blockID, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate}},
	}
	lookup := &fakeLookup{contexts: map[string]*domain.ExistingBlockContext{
		blockID: {RootEntityID: rootEntityID, BlockLevel: 3},
	}}

	results, err := Derive(context.Background(), delta, lookup, testUserID)
	require.NoError(t, err)
	require.Equal(t, domain.ExistingBlockContext{RootEntityID: rootEntityID, BlockLevel: 3}, results[blockID])
}

func TestDeriveFailsWhenRootUnresolvable(t *testing.T) {
	blockID := "550e8400-e29b-41d4-a716-446655440040"

	delta := domain.GraphDelta{
		Blocks: []domain.BlockNode{{ID: blockID, TypeID: domain.TypeNodeBlock, Visibility: domain.VisibilityPrivate}},
	}

	_, err := Derive(context.Background(), delta, &fakeLookup{}, testUserID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unable to resolve root_entity_id")
}
