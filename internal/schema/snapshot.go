package schema

import (
	"context"
	"strings"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
)

// Snapshot pre-fetches everything the Delta Validator needs into an
// I/O-free domain.SchemaSnapshot, so validation itself runs as pure
// computation over already-resolved data (the Commit Coordinator's step 1).
func (s *Service) Snapshot(ctx context.Context) (domain.SchemaSnapshot, error) {
	nodeTypes, err := s.registry.GetByKind(ctx, domain.KindNode)
	if err != nil {
		return domain.SchemaSnapshot{}, errs.Upstream(err)
	}
	edgeTypes, err := s.registry.GetByKind(ctx, domain.KindEdge)
	if err != nil {
		return domain.SchemaSnapshot{}, errs.Upstream(err)
	}
	allInh, err := s.registry.GetAllInheritance(ctx)
	if err != nil {
		return domain.SchemaSnapshot{}, errs.Upstream(err)
	}
	allRules, err := s.registry.GetAllEndpointRules(ctx)
	if err != nil {
		return domain.SchemaSnapshot{}, errs.Upstream(err)
	}

	snap := domain.SchemaSnapshot{
		NodeTypes:         map[string]bool{},
		EdgeTypes:         map[string]bool{},
		ParentByType:      map[string]string{},
		AllowedProperties: map[string]map[string]domain.TypeProperty{},
		EndpointRules:     map[string][]domain.EdgeEndpointRule{},
	}

	for _, t := range nodeTypes {
		snap.NodeTypes[t.ID] = true
	}
	for _, t := range edgeTypes {
		snap.EdgeTypes[t.ID] = true
	}
	for _, inh := range allInh {
		snap.ParentByType[inh.ChildTypeID] = inh.ParentTypeID
	}
	for _, rule := range allRules {
		snap.EndpointRules[rule.EdgeTypeID] = append(snap.EndpointRules[rule.EdgeTypeID], rule)
	}

	for _, t := range nodeTypes {
		props, err := s.AllowedProperties(ctx, t.ID, domain.KindNode)
		if err != nil {
			return domain.SchemaSnapshot{}, err
		}
		snap.AllowedProperties[t.ID] = props
	}
	for _, t := range edgeTypes {
		props, err := s.AllowedProperties(ctx, t.ID, domain.KindEdge)
		if err != nil {
			return domain.SchemaSnapshot{}, err
		}
		snap.AllowedProperties[t.ID] = props
	}

	return snap, nil
}

// EdgeTypeIDFor maps a payload edge-type string (e.g. "KNOWS") to its
// schema type id ("edge.knows").
func EdgeTypeIDFor(edgeType string) string {
	return "edge." + strings.ToLower(edgeType)
}

// Assignable reports whether typeID is ancestorID or descends from it along
// snapshot's active inheritance chain, with cycle protection. This is the
// pure, snapshot-only counterpart to Registry.IsDescendantOfEntity/Block,
// used by the Delta Validator which must not perform its own I/O.
func Assignable(snapshot domain.SchemaSnapshot, typeID, ancestorID string) bool {
	current := typeID
	visited := map[string]bool{}
	for {
		if current == ancestorID {
			return true
		}
		if visited[current] {
			return false
		}
		visited[current] = true
		parent, ok := snapshot.ParentByType[current]
		if !ok {
			return false
		}
		current = parent
	}
}
