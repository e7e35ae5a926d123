// Package domain holds the data model shared by every component of the
// knowledge graph ingestion service: schema types, graph nodes/edges, and
// the transient shapes produced while committing a delta.
package domain

import (
	"encoding/json"
	"fmt"
)

// Visibility is the two-valued access scope of a node or edge.
type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityShared  Visibility = "SHARED"
)

// Allowed returns the set of endpoint visibilities an edge of visibility v
// may connect to. allowed(PRIVATE) = {PRIVATE, SHARED}; allowed(SHARED) = {SHARED}.
func (v Visibility) Allowed() map[Visibility]bool {
	switch v {
	case VisibilityPrivate:
		return map[Visibility]bool{VisibilityPrivate: true, VisibilityShared: true}
	case VisibilityShared:
		return map[Visibility]bool{VisibilityShared: true}
	default:
		return nil
	}
}

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityShared
}

// Kind distinguishes node schema types from edge schema types.
type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Reserved schema type ids.
const (
	TypeNodeEntity = "node.entity"
	TypeNodeBlock  = "node.block"
	TypeNodeUniverse = "node.universe"
)

// PropertyPseudoOwner identifies the two pseudo-owner rows a type property
// may be declared against, applying to every type of that kind.
const (
	PseudoOwnerNode = "node"
	PseudoOwnerEdge = "edge"
)

// ValueType enumerates the property scalar kinds.
type ValueType string

const (
	ValueTypeString   ValueType = "string"
	ValueTypeFloat    ValueType = "float"
	ValueTypeInt      ValueType = "int"
	ValueTypeBool     ValueType = "bool"
	ValueTypeDatetime ValueType = "datetime"
	ValueTypeJSON     ValueType = "json"
)

// SchemaType is a node or edge type declaration.
type SchemaType struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// TypeInheritance records a child type's single active parent.
type TypeInheritance struct {
	ChildTypeID  string `json:"child_type_id"`
	ParentTypeID string `json:"parent_type_id"`
	Description  string `json:"description"`
	Active       bool   `json:"active"`
}

// TypeProperty declares one property of a type or pseudo-owner.
type TypeProperty struct {
	OwnerTypeID string    `json:"owner_type_id"`
	PropName    string    `json:"prop_name"`
	ValueType   ValueType `json:"value_type"`
	Required    bool      `json:"required"`
	Readable    bool      `json:"readable"`
	Writable    bool      `json:"writable"`
	Active      bool      `json:"active"`
	Description string    `json:"description"`
}

// EdgeEndpointRule permits an edge type to connect a from-type to a to-type.
type EdgeEndpointRule struct {
	EdgeTypeID    string `json:"edge_type_id"`
	FromNodeType  string `json:"from_node_type_id"`
	ToNodeType    string `json:"to_node_type_id"`
	Active        bool   `json:"active"`
	Description   string `json:"description"`
}

// PropertyValue is one tagged-union property on a node or edge.
type PropertyValue struct {
	Key        string    `json:"key"`
	ValueType  ValueType `json:"value_type"`
	StringVal  string    `json:"string_val,omitempty"`
	FloatVal   float64   `json:"float_val,omitempty"`
	IntVal     int64     `json:"int_val,omitempty"`
	BoolVal    bool      `json:"bool_val,omitempty"`
}

// AsText renders the property's value as a string, used for block text
// extraction and NQuad construction.
func (p PropertyValue) AsText() string {
	switch p.ValueType {
	case ValueTypeString, ValueTypeDatetime, ValueTypeJSON:
		return p.StringVal
	case ValueTypeFloat:
		return fmt.Sprintf("%v", p.FloatVal)
	case ValueTypeInt:
		return fmt.Sprintf("%d", p.IntVal)
	case ValueTypeBool:
		return fmt.Sprintf("%t", p.BoolVal)
	default:
		return ""
	}
}

// UniverseNode is a top-level container scoping entity membership.
type UniverseNode struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	UserID     string     `json:"user_id"`
	Visibility Visibility `json:"visibility"`
}

// EntityNode is a node descending from node.entity.
type EntityNode struct {
	ID             string          `json:"id"`
	TypeID         string          `json:"type_id"`
	UniverseID     string          `json:"universe_id,omitempty"`
	UserID         string          `json:"user_id"`
	Visibility     Visibility      `json:"visibility"`
	Properties     []PropertyValue `json:"properties"`
	ResolvedLabels []string        `json:"resolved_labels,omitempty"`
}

// BlockNode is a node descending from node.block.
type BlockNode struct {
	ID             string          `json:"id"`
	TypeID         string          `json:"type_id"`
	UserID         string          `json:"user_id"`
	Visibility     Visibility      `json:"visibility"`
	Properties     []PropertyValue `json:"properties"`
	ResolvedLabels []string        `json:"resolved_labels,omitempty"`
}

// Name returns the entity's "name" property, defaulting to the empty
// string, used to feed the Candidate Scorer's lexical index.
func (e EntityNode) Name() string {
	for _, p := range e.Properties {
		if p.Key == "name" {
			return p.AsText()
		}
	}
	return ""
}

// Aliases returns the entity's "aliases" property decoded as a JSON string
// array, used to feed the Candidate Scorer's lexical index. A missing or
// malformed aliases property yields an empty slice rather than an error,
// since aliases are optional and advisory, never validated by the schema.
func (e EntityNode) Aliases() []string {
	for _, p := range e.Properties {
		if p.Key != "aliases" {
			continue
		}
		var aliases []string
		if err := json.Unmarshal([]byte(p.AsText()), &aliases); err != nil {
			return nil
		}
		return aliases
	}
	return nil
}

// Text returns the block's "text" property, defaulting to the empty string.
func (b BlockNode) Text() string {
	for _, p := range b.Properties {
		if p.Key == "text" {
			return p.AsText()
		}
	}
	return ""
}

// GraphEdge connects two node ids under a named edge type.
type GraphEdge struct {
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	EdgeType   string          `json:"edge_type"`
	UserID     string          `json:"user_id"`
	Visibility Visibility      `json:"visibility"`
	Properties []PropertyValue `json:"properties"`
}

// Structural edge type constants.
const (
	EdgeIsPartOf    = "IS_PART_OF"
	EdgeDescribedBy = "DESCRIBED_BY"
	EdgeSummarizes  = "SUMMARIZES"
)

// Well-known constants fixing the shared common-root subgraph and the
// vector index's expected dimensionality. Module-level, never hot-swapped.
const (
	CommonUniverseID   = "9d7f0fa5-78c1-4805-9efb-3f8f16090d7f"
	CommonRootEntityID = "8c75cc89-6204-4fed-aec1-34d032ff95ee"
	CommonRootBlockID  = "ea5ca80f-346b-4f66-bff2-d307ce5d7da9"
	ExobrainOwnerID    = "exobrain"
	VectorDimension    = 3072
)

// SchemaSnapshot is the fully pre-fetched, I/O-free view of the schema the
// Delta Validator runs against: every lookup the validator needs has
// already been resolved, so validation itself is pure computation over
// this struct.
type SchemaSnapshot struct {
	NodeTypes         map[string]bool                    `json:"-"`
	EdgeTypes         map[string]bool                    `json:"-"`
	ParentByType      map[string]string                  `json:"-"`
	AllowedProperties map[string]map[string]TypeProperty `json:"-"`
	EndpointRules     map[string][]EdgeEndpointRule       `json:"-"`
}

// GraphDelta is a batch of universe/entity/block/edge upserts submitted as
// a single atomic unit.
type GraphDelta struct {
	Universes []UniverseNode `json:"universes"`
	Entities  []EntityNode   `json:"entities"`
	Blocks    []BlockNode    `json:"blocks"`
	Edges     []GraphEdge    `json:"edges"`
}

// EmbeddedBlock is the transient, derived shape built by the Commit
// Coordinator ahead of the two-store commit.
type EmbeddedBlock struct {
	Block        BlockNode  `json:"block"`
	UniverseID   string     `json:"universe_id"`
	RootEntityID string     `json:"root_entity_id"`
	UserID       string     `json:"user_id"`
	Visibility   Visibility `json:"visibility"`
	Vector       []float32  `json:"vector"`
	BlockLevel   int64      `json:"block_level"`
	Text         string     `json:"text"`
}

// NodeRelationshipCounts summarizes a node's incident edges as returned by
// the Graph Repository.
type NodeRelationshipCounts struct {
	Total             int64 `json:"total"`
	EntityIsPartOf    int64 `json:"entity_is_part_of"`
	BlockParentEdges  int64 `json:"block_parent_edges"`
}

// ExistingBlockContext is the pre-existing hierarchy context of a block
// already committed to the graph.
type ExistingBlockContext struct {
	RootEntityID string `json:"root_entity_id"`
	UniverseID   string `json:"universe_id"`
	BlockLevel   int64  `json:"block_level"`
}

// SchemaNodeTypeHydrated is a node type with its resolved properties and
// parent chain, as returned by GetSchema.
type SchemaNodeTypeHydrated struct {
	SchemaType SchemaType        `json:"schema_type"`
	Properties []TypeProperty    `json:"properties"`
	Parents    []TypeInheritance `json:"parents"`
}

// SchemaEdgeTypeHydrated is an edge type with its properties and endpoint
// rules, as returned by GetSchema.
type SchemaEdgeTypeHydrated struct {
	SchemaType SchemaType         `json:"schema_type"`
	Properties []TypeProperty     `json:"properties"`
	Rules      []EdgeEndpointRule `json:"rules"`
}

// FullSchema is the hydrated schema view returned by GetSchema.
type FullSchema struct {
	NodeTypes []SchemaNodeTypeHydrated `json:"node_types"`
	EdgeTypes []SchemaEdgeTypeHydrated `json:"edge_types"`
}

// FindEntityCandidatesQuery is the input to the Candidate Scorer.
type FindEntityCandidatesQuery struct {
	Names              []string `json:"names"`
	PotentialTypeIDs   []string `json:"potential_type_ids"`
	ShortDescription   string   `json:"short_description,omitempty"`
	UserID             string   `json:"user_id"`
	Limit              int      `json:"limit,omitempty"`
}

// EntityCandidate is one ranked result of FindEntityCandidates.
type EntityCandidate struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DescribedByText  string   `json:"described_by_text,omitempty"`
	Score            float64  `json:"score"`
	TypeID           string   `json:"type_id"`
	MatchedTokens    []string `json:"matched_tokens,omitempty"`
}

// UpsertSchemaTypeCommand is the input to UpsertSchemaType.
type UpsertSchemaTypeCommand struct {
	SchemaType     SchemaType     `json:"schema_type"`
	ParentTypeID   string         `json:"parent_type_id,omitempty"`
	Properties     []TypeProperty `json:"properties"`
}

// InitializeUserGraphResult is the output of InitializeUserGraph.
type InitializeUserGraphResult struct {
	UniverseID      string `json:"universe_id"`
	EntitiesUpserted int   `json:"entities_upserted"`
	BlocksUpserted   int   `json:"blocks_upserted"`
	EdgesUpserted    int   `json:"edges_upserted"`
}

// UpsertGraphDeltaResult is the output of UpsertGraphDelta.
type UpsertGraphDeltaResult struct {
	UniversesUpserted int `json:"universes_upserted"`
	EntitiesUpserted  int `json:"entities_upserted"`
	BlocksUpserted    int `json:"blocks_upserted"`
	EdgesUpserted     int `json:"edges_upserted"`
}
