package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	r, err := Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistrySeedsRootTypesAndRules(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	entity, err := r.GetSchemaType(ctx, domain.TypeNodeEntity)
	require.NoError(t, err)
	require.NotNil(t, entity)
	require.True(t, entity.Active)

	rules, err := r.GetAllEndpointRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 4)

	person, err := r.GetSchemaType(ctx, "node.person")
	require.NoError(t, err)
	require.NotNil(t, person)
	parent, ok, err := r.GetParentForChild(ctx, "node.person")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.TypeNodeEntity, parent)

	entityProps, err := r.GetPropertiesForOwner(ctx, domain.TypeNodeEntity)
	require.NoError(t, err)
	names := make(map[string]bool, len(entityProps))
	for _, p := range entityProps {
		names[p.PropName] = true
	}
	require.True(t, names["name"])
	require.True(t, names["aliases"])

	blockProps, err := r.GetPropertiesForOwner(ctx, domain.TypeNodeBlock)
	require.NoError(t, err)
	require.Len(t, blockProps, 1)
	require.Equal(t, "text", blockProps[0].PropName)
}

func TestUpsertTypeIsIdempotent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	t1 := domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person", Active: true}
	require.NoError(t, r.UpsertType(ctx, t1))

	t1.Description = "updated"
	require.NoError(t, r.UpsertType(ctx, t1))

	got, err := r.GetSchemaType(ctx, "node.person")
	require.NoError(t, err)
	require.Equal(t, "updated", got.Description)
}

func TestIsDescendantOfEntityWalksChain(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.UpsertType(ctx, domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person", Active: true}))
	require.NoError(t, r.UpsertInheritance(ctx, domain.TypeInheritance{ChildTypeID: "node.person", ParentTypeID: domain.TypeNodeEntity, Active: true}))

	require.NoError(t, r.UpsertType(ctx, domain.SchemaType{ID: "node.employee", Kind: domain.KindNode, Name: "Employee", Active: true}))
	require.NoError(t, r.UpsertInheritance(ctx, domain.TypeInheritance{ChildTypeID: "node.employee", ParentTypeID: "node.person", Active: true}))

	ok, err := r.IsDescendantOfEntity(ctx, "node.employee")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.IsDescendantOfEntity(ctx, domain.TypeNodeBlock)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetParentForChildMissing(t *testing.T) {
	r := openTestRegistry(t)
	_, ok, err := r.GetParentForChild(context.Background(), "node.nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
