// Package validator implements the Delta Validator: a pure function from
// (delta, schema snapshot, existing-graph counts) to either the active
// inheritance set (success) or an aggregated list of human-readable issues
// (failure). It performs no I/O of its own — every lookup it needs has
// already been resolved into the schema.Snapshot and the per-node relationship
// counts passed in by the caller.
//
// Rules enforced, each contributing at least one distinct issue per
// violating subject:
//
//   - Identifier rules: every id is a valid UUID; universe names are
//     non-empty after trimming; edge-type strings match ^[A-Z0-9_]+$.
//   - Type conformance: entity/block type ids exist and descend from the
//     correct root; edge types resolve to a known schema edge type.
//   - Property conformance: every supplied property key is in the owner
//     type's allowed set; every required property (other than "id") is
//     present.
//   - Endpoint rules: an edge's (type, from-type, to-type) triple is
//     permitted by some active rule, unless either endpoint is a universe.
//   - Universe reference: an entity's universe_id is in the payload's
//     universe set or the designated common universe.
//   - Topology rules: minimum incident-relationship and exactly-one-parent
//     cardinality, counting payload edges, implicit IS_PART_OF edges, and
//     pre-existing graph counts together.
//
// Validation runs through every rule and aggregates all issues rather than
// failing fast, so a single invalid delta can report every problem at once.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
	"github.com/exobrain/knowledge-interface/internal/schema"
)

var edgeTypePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)
var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Result is the successful output of Validate: the active inheritance set,
// returned so callers can derive label chains without re-querying.
type Result struct {
	Inheritance []domain.TypeInheritance
}

// nodeInfo records, per payload id, which kind of node it is and (for
// entities/blocks) its type id — used to check endpoint rules and universe
// bypass without re-scanning the delta for every edge.
type nodeInfo struct {
	kind   string // "universe" | "entity" | "block"
	typeID string
}

// Validate runs every rule against delta, using snapshot for schema lookups
// and counts for pre-existing graph relationship counts keyed by node id.
// On success it returns the active inheritance set; on failure it returns
// an *errs.Error of kind InvalidInput aggregating every issue found.
func Validate(delta domain.GraphDelta, snapshot domain.SchemaSnapshot, counts map[string]domain.NodeRelationshipCounts) (Result, error) {
	var issues []string

	universeIDs := map[string]bool{}
	nodes := map[string]nodeInfo{}

	for _, u := range delta.Universes {
		universeIDs[u.ID] = true
		nodes[u.ID] = nodeInfo{kind: "universe"}
		if !isValidUUID(u.ID) {
			issues = append(issues, fmt.Sprintf("universe id %q is not a valid UUID", u.ID))
		}
		if strings.TrimSpace(u.Name) == "" {
			issues = append(issues, fmt.Sprintf("universe %q must have a non-empty name", u.ID))
		}
	}

	for _, e := range delta.Entities {
		nodes[e.ID] = nodeInfo{kind: "entity", typeID: e.TypeID}
		if !isValidUUID(e.ID) {
			issues = append(issues, fmt.Sprintf("entity id %q is not a valid UUID", e.ID))
		}
		if !snapshot.NodeTypes[e.TypeID] || !schema.Assignable(snapshot, e.TypeID, domain.TypeNodeEntity) {
			issues = append(issues, fmt.Sprintf("entity %q has unknown or non-entity type %q", e.ID, e.TypeID))
		}
		if e.UniverseID != "" && !universeIDs[e.UniverseID] && e.UniverseID != domain.CommonUniverseID {
			issues = append(issues, fmt.Sprintf("entity %q references universe %q not present in the payload or common universe", e.ID, e.UniverseID))
		}
		issues = append(issues, checkProperties(snapshot, "entity", e.ID, e.TypeID, e.Properties)...)
	}

	for _, blk := range delta.Blocks {
		nodes[blk.ID] = nodeInfo{kind: "block", typeID: blk.TypeID}
		if !isValidUUID(blk.ID) {
			issues = append(issues, fmt.Sprintf("block id %q is not a valid UUID", blk.ID))
		}
		if !snapshot.NodeTypes[blk.TypeID] || !schema.Assignable(snapshot, blk.TypeID, domain.TypeNodeBlock) {
			issues = append(issues, fmt.Sprintf("block %q has unknown or non-block type %q", blk.ID, blk.TypeID))
		}
		issues = append(issues, checkProperties(snapshot, "block", blk.ID, blk.TypeID, blk.Properties)...)
	}

	structuralParents := map[string]int{} // block id -> count of incoming DESCRIBED_BY/SUMMARIZES in payload
	entityIsPartOf := map[string]int{}    // entity id -> count of outgoing IS_PART_OF in payload
	incident := map[string]int{}          // any node id -> total incident edges in payload

	for _, edge := range delta.Edges {
		if !isValidUUID(edge.FromID) {
			issues = append(issues, fmt.Sprintf("edge from-id %q is not a valid UUID", edge.FromID))
		}
		if !isValidUUID(edge.ToID) {
			issues = append(issues, fmt.Sprintf("edge to-id %q is not a valid UUID", edge.ToID))
		}
		if !edgeTypePattern.MatchString(edge.EdgeType) {
			issues = append(issues, fmt.Sprintf("edge type %q must match ^[A-Z0-9_]+$", edge.EdgeType))
			continue
		}

		edgeTypeID := schema.EdgeTypeIDFor(edge.EdgeType)
		if !snapshot.EdgeTypes[edgeTypeID] {
			issues = append(issues, fmt.Sprintf("edge type %q (schema id %q) is not a known edge type", edge.EdgeType, edgeTypeID))
		} else {
			issues = append(issues, checkProperties(snapshot, "edge", fmt.Sprintf("%s->%s", edge.FromID, edge.ToID), edgeTypeID, edge.Properties)...)
		}

		incident[edge.FromID]++
		incident[edge.ToID]++

		from, fromKnown := nodes[edge.FromID]
		to, toKnown := nodes[edge.ToID]
		bypass := (fromKnown && from.kind == "universe") || (toKnown && to.kind == "universe")

		switch edge.EdgeType {
		case domain.EdgeIsPartOf:
			entityIsPartOf[edge.FromID]++
		case domain.EdgeDescribedBy, domain.EdgeSummarizes:
			structuralParents[edge.ToID]++
		}

		if bypass || !fromKnown || !toKnown || from.typeID == "" || to.typeID == "" {
			continue
		}
		if !snapshot.EdgeTypes[edgeTypeID] {
			continue
		}
		if !endpointPermitted(snapshot, edgeTypeID, from.typeID, to.typeID) {
			issues = append(issues, fmt.Sprintf("edge %q from %q to %q is not permitted by any endpoint rule", edge.EdgeType, edge.FromID, edge.ToID))
		}
	}

	// Implicit IS_PART_OF edges for entities carrying a universe_id count
	// toward topology on both ends: the entity gains its membership edge and
	// the universe gains an incident relationship, so a payload universe
	// referenced only through entity membership still satisfies its own
	// minimum-cardinality rule.
	for _, e := range delta.Entities {
		if e.UniverseID != "" {
			entityIsPartOf[e.ID]++
			incident[e.ID]++
			incident[e.UniverseID]++
		}
	}

	for _, u := range delta.Universes {
		total := incident[u.ID] + int(counts[u.ID].Total)
		if total < 1 {
			issues = append(issues, fmt.Sprintf("universe %q has no incident relationship", u.ID))
		}
	}
	for _, e := range delta.Entities {
		total := incident[e.ID] + int(counts[e.ID].Total)
		if total < 1 {
			issues = append(issues, fmt.Sprintf("entity %q has no incident relationship", e.ID))
		}
		if entityIsPartOf[e.ID]+int(counts[e.ID].EntityIsPartOf) < 1 {
			issues = append(issues, fmt.Sprintf("entity %q has no outgoing IS_PART_OF edge to any universe", e.ID))
		}
	}
	for _, blk := range delta.Blocks {
		total := incident[blk.ID] + int(counts[blk.ID].Total)
		if total < 1 {
			issues = append(issues, fmt.Sprintf("block %q has no incident relationship", blk.ID))
		}
		parentCount := structuralParents[blk.ID] + int(counts[blk.ID].BlockParentEdges)
		if parentCount != 1 {
			issues = append(issues, fmt.Sprintf("block %q must have exactly one incoming DESCRIBED_BY/SUMMARIZES edge, found %d", blk.ID, parentCount))
		}
	}

	if len(issues) > 0 {
		return Result{}, errs.Invalid(issues)
	}

	var inheritance []domain.TypeInheritance
	for child, parent := range snapshot.ParentByType {
		inheritance = append(inheritance, domain.TypeInheritance{ChildTypeID: child, ParentTypeID: parent, Active: true})
	}
	return Result{Inheritance: inheritance}, nil
}

func checkProperties(snapshot domain.SchemaSnapshot, subjectKind, subjectID, typeID string, props []domain.PropertyValue) []string {
	var issues []string
	allowed := snapshot.AllowedProperties[typeID]

	supplied := map[string]bool{}
	for _, p := range props {
		supplied[p.Key] = true
		if _, ok := allowed[p.Key]; !ok {
			issues = append(issues, fmt.Sprintf("%s %q has disallowed property %q for type %q", subjectKind, subjectID, p.Key, typeID))
		}
	}
	for name, decl := range allowed {
		if name == "id" {
			continue
		}
		if decl.Required && !supplied[name] {
			issues = append(issues, fmt.Sprintf("%s %q is missing required property %q", subjectKind, subjectID, name))
		}
	}
	return issues
}

func endpointPermitted(snapshot domain.SchemaSnapshot, edgeTypeID, fromType, toType string) bool {
	for _, rule := range snapshot.EndpointRules[edgeTypeID] {
		if !rule.Active {
			continue
		}
		if schema.Assignable(snapshot, fromType, rule.FromNodeType) && schema.Assignable(snapshot, toType, rule.ToNodeType) {
			return true
		}
	}
	return false
}

// isValidUUID accepts only the canonical 8-4-4-4-12 hex form;
// uuid.Parse alone would also admit braced, URN, and unhyphenated
// renderings.
func isValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ResolveLabels computes typeID's root-first label chain purely from
// snapshot, for callers that already hold one and don't want to re-hit
// the Schema Registry. Each chain element renders with its kind prefix
// stripped and every underscore- or dash-delimited segment capitalized and
// joined (node.ai_agent -> "AiAgent"), keeping labels single PascalCase
// words, matching schema.Service.ResolveLabels.
func ResolveLabels(snapshot domain.SchemaSnapshot, typeID string) ([]string, error) {
	var chain []string
	current := typeID
	visited := map[string]bool{}
	for {
		chain = append(chain, current)
		if visited[current] {
			return nil, errs.Commit(fmt.Errorf("inheritance cycle detected at %q", current))
		}
		visited[current] = true
		parent, ok := snapshot.ParentByType[current]
		if !ok {
			break
		}
		current = parent
	}

	labels := make([]string, len(chain))
	for i, id := range chain {
		name := id
		if idx := strings.IndexByte(id, '.'); idx >= 0 {
			name = id[idx+1:]
		}
		parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
		for j, p := range parts {
			if p == "" {
				continue
			}
			parts[j] = strings.ToUpper(p[:1]) + p[1:]
		}
		label := strings.Join(parts, "")
		if !labelPattern.MatchString(label) {
			return nil, errs.Invalid([]string{fmt.Sprintf("resolved label %q for type %q is malformed", label, id)})
		}
		labels[len(chain)-1-i] = label
	}
	return labels, nil
}
