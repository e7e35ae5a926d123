package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	r := openTestRegistry(t)
	return NewService(r, zaptest.NewLogger(t))
}

func TestUpsertSchemaTypeRejectsBadIdentifier(t *testing.T) {
	s := newTestService(t)
	_, err := s.UpsertSchemaType(context.Background(), domain.UpsertSchemaTypeCommand{
		SchemaType: domain.SchemaType{ID: "node person!", Kind: domain.KindNode, Name: "Person"},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestUpsertSchemaTypeAllowsEntityRootWithNoParent(t *testing.T) {
	s := newTestService(t)
	got, err := s.UpsertSchemaType(context.Background(), domain.UpsertSchemaTypeCommand{
		SchemaType: domain.SchemaType{ID: domain.TypeNodeEntity, Kind: domain.KindNode, Name: "Entity"},
	})
	require.NoError(t, err)
	require.True(t, got.Active)
}

func TestUpsertSchemaTypeRejectsEntityWithParent(t *testing.T) {
	s := newTestService(t)
	_, err := s.UpsertSchemaType(context.Background(), domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: domain.TypeNodeEntity, Kind: domain.KindNode, Name: "Entity"},
		ParentTypeID: "node.person",
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestUpsertSchemaTypeRejectsForestRootsWithoutParent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType: domain.SchemaType{ID: domain.TypeNodeBlock, Kind: domain.KindNode, Name: "Block"},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))

	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType: domain.SchemaType{ID: domain.TypeNodeUniverse, Kind: domain.KindNode, Name: "Universe"},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestUpsertSchemaTypeRejectsEdgeWithParent(t *testing.T) {
	s := newTestService(t)
	_, err := s.UpsertSchemaType(context.Background(), domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "edge.related_to", Kind: domain.KindEdge, Name: "RelatedTo"},
		ParentTypeID: domain.TypeNodeEntity,
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestUpsertSchemaTypeRejectsParentChange(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: domain.TypeNodeEntity,
	})
	require.NoError(t, err)

	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.other", Kind: domain.KindNode, Name: "Other"},
		ParentTypeID: domain.TypeNodeEntity,
	})
	require.NoError(t, err)

	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: "node.other",
	})
	require.Error(t, err)
	require.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestUpsertSchemaTypeRequiresKnownParent(t *testing.T) {
	s := newTestService(t)
	_, err := s.UpsertSchemaType(context.Background(), domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: "node.ghost",
	})
	require.Error(t, err)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestUpsertSchemaTypeRejectsCycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.a", Kind: domain.KindNode, Name: "A"},
		ParentTypeID: domain.TypeNodeEntity,
	})
	require.NoError(t, err)

	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.b", Kind: domain.KindNode, Name: "B"},
		ParentTypeID: "node.a",
	})
	require.NoError(t, err)

	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.a", Kind: domain.KindNode, Name: "A"},
		ParentTypeID: "node.b",
	})
	require.Error(t, err)
	require.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestUpsertSchemaTypeWithProperties(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	got, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: domain.TypeNodeEntity,
		Properties: []domain.TypeProperty{
			{PropName: "full_name", ValueType: domain.ValueTypeString, Required: true, Readable: true, Writable: true},
		},
	})
	require.NoError(t, err)
	require.True(t, got.Active)

	props, err := s.registry.GetPropertiesForOwner(ctx, "node.person")
	require.NoError(t, err)
	require.Len(t, props, 1)
	require.Equal(t, "full_name", props[0].PropName)
}

func TestResolveLabelsRootFirst(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: domain.TypeNodeEntity,
	})
	require.NoError(t, err)
	_, err = s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.employee", Kind: domain.KindNode, Name: "Employee"},
		ParentTypeID: "node.person",
	})
	require.NoError(t, err)

	labels, err := s.ResolveLabels(ctx, "node.employee")
	require.NoError(t, err)
	require.Equal(t, []string{"Entity", "Person", "Employee"}, labels)
}

func TestAllowedPropertiesIncludesPseudoOwnerAndAncestors(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.registry.UpsertProperty(ctx, domain.TypeProperty{OwnerTypeID: domain.PseudoOwnerNode, PropName: "created_at", ValueType: domain.ValueTypeDatetime, Active: true}))

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.person", Kind: domain.KindNode, Name: "Person"},
		ParentTypeID: domain.TypeNodeEntity,
		Properties: []domain.TypeProperty{
			{PropName: "full_name", ValueType: domain.ValueTypeString},
		},
	})
	require.NoError(t, err)

	allowed, err := s.AllowedProperties(ctx, "node.person", domain.KindNode)
	require.NoError(t, err)
	require.Contains(t, allowed, "created_at")
	require.Contains(t, allowed, "full_name")
}

func TestGetSchemaHydratesTypes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	full, err := s.GetSchema(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, full.NodeTypes)
	require.NotEmpty(t, full.EdgeTypes)
}

func TestGetSchemaHydratesInheritedPropertiesAndParentChain(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchemaType(ctx, domain.UpsertSchemaTypeCommand{
		SchemaType:   domain.SchemaType{ID: "node.employee", Kind: domain.KindNode, Name: "Employee"},
		ParentTypeID: "node.person",
		Properties: []domain.TypeProperty{
			{PropName: "employer", ValueType: domain.ValueTypeString},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.registry.UpsertProperty(ctx, domain.TypeProperty{OwnerTypeID: "node.person", PropName: "full_name", ValueType: domain.ValueTypeString, Active: true}))

	full, err := s.GetSchema(ctx)
	require.NoError(t, err)

	var employee *domain.SchemaNodeTypeHydrated
	for i := range full.NodeTypes {
		if full.NodeTypes[i].SchemaType.ID == "node.employee" {
			employee = &full.NodeTypes[i]
		}
	}
	require.NotNil(t, employee)

	require.Len(t, employee.Parents, 2)
	require.Equal(t, "node.person", employee.Parents[0].ParentTypeID)
	require.Equal(t, domain.TypeNodeEntity, employee.Parents[1].ParentTypeID)

	names := make(map[string]bool)
	for _, p := range employee.Properties {
		names[p.PropName] = true
	}
	require.True(t, names["employer"])
	require.True(t, names["full_name"], "inherited properties must hydrate onto descendants")
}
