package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

func TestVarForReusesSameNodeID(t *testing.T) {
	b := newUpsertBuilder()
	defer b.release()

	ref1 := b.varFor("entity-1")
	ref2 := b.varFor("entity-1")
	require.Equal(t, ref1, ref2)

	ref3 := b.varFor("entity-2")
	require.NotEqual(t, ref1, ref3)

	require.Equal(t, 1, strings.Count(b.queryDQL(), "entity-1"))
}

func TestWriteLabelsAttachesFullChain(t *testing.T) {
	b := newUpsertBuilder()
	defer b.release()

	subj := b.varFor("entity-1")
	b.writeLabels(subj, []string{"Entity", "Person"}, "Entity")

	out := b.set.String()
	require.Contains(t, out, `<dgraph.type> "Entity"`)
	require.Contains(t, out, `<dgraph.type> "Person"`)
}

func TestWriteLabelsFallsBackToBaseType(t *testing.T) {
	b := newUpsertBuilder()
	defer b.release()

	subj := b.varFor("block-1")
	b.writeLabels(subj, nil, "Block")

	require.Contains(t, b.set.String(), `<dgraph.type> "Block"`)
}

func TestEdgePredicateSanitizesDynamicTypeIDs(t *testing.T) {
	require.Equal(t, "e_IS_PART_OF", edgePredicate(domain.EdgeIsPartOf))
	require.Equal(t, "e_edge_custom_knows", edgePredicate("edge.custom.knows"))
}

func TestWriteEdgeFacetsRendersScalarTypes(t *testing.T) {
	b := newUpsertBuilder()
	defer b.release()

	writeEdgeFacets(b.set, []domain.PropertyValue{
		{Key: "confidence", ValueType: domain.ValueTypeFloat, FloatVal: 0.75},
		{Key: "note", ValueType: domain.ValueTypeString, StringVal: "met at offsite"},
	})

	out := b.set.String()
	require.Contains(t, out, "confidence=0.75")
	require.Contains(t, out, `note="met at offsite"`)
}

func TestWriteEdgeFacetsEmptyPropertiesWritesNothing(t *testing.T) {
	b := newUpsertBuilder()
	defer b.release()

	writeEdgeFacets(b.set, nil)
	require.Empty(t, b.set.String())
}

func TestQuoteEscapesSpecialCharacters(t *testing.T) {
	require.Equal(t, `"hello \"world\""`, quote(`hello "world"`))
}
