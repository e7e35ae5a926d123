package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
	"github.com/exobrain/knowledge-interface/internal/errs"
)

// Schema type ids are dotted strings (node.person, edge.related_to);
// property names are bare identifiers.
var typeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)
var propNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Service is the Schema Service (C4): the upsert rules and read-side
// hydration built on top of the Registry.
type Service struct {
	registry *Registry
	logger   *zap.Logger
}

// NewService wires a Schema Service onto an already-open Registry.
func NewService(registry *Registry, logger *zap.Logger) *Service {
	return &Service{registry: registry, logger: logger.Named("schema_service")}
}

// UpsertSchemaType creates or updates a node or edge type, its single
// parent link, and its declared properties, in one idempotent call.
func (s *Service) UpsertSchemaType(ctx context.Context, cmd domain.UpsertSchemaTypeCommand) (domain.SchemaType, error) {
	t := cmd.SchemaType

	if !typeIDPattern.MatchString(t.ID) {
		return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("type id %q must be a dotted identifier", t.ID)})
	}
	if t.Kind != domain.KindNode && t.Kind != domain.KindEdge {
		return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("type %q has unknown kind %q", t.ID, t.Kind)})
	}
	// node.entity is the only node type the public API lets through with no
	// parent; every other node type must supply one that exists and descends
	// from node.entity and, once set, may never change. node.block and
	// node.universe are therefore unreachable through this call (they are
	// forest roots with no entity-descendant parent to offer) and are
	// installed directly by Registry.seed instead.
	if t.Kind == domain.KindEdge {
		if cmd.ParentTypeID != "" {
			return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("edge type %q may not declare parent_type_id: edge inheritance is not supported", t.ID)})
		}
	} else if t.ID == domain.TypeNodeEntity {
		if cmd.ParentTypeID != "" {
			return domain.SchemaType{}, errs.Invalid([]string{"node.entity may not declare a parent_type_id"})
		}
	} else {
		if cmd.ParentTypeID == "" {
			return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("node type %q requires a parent_type_id", t.ID)})
		}
		parent, err := s.registry.GetSchemaType(ctx, cmd.ParentTypeID)
		if err != nil {
			return domain.SchemaType{}, errs.Upstream(err)
		}
		if parent == nil || !parent.Active || parent.Kind != domain.KindNode {
			return domain.SchemaType{}, errs.NotFound(fmt.Sprintf("parent type %q does not exist", cmd.ParentTypeID))
		}
		descends, err := s.registry.IsDescendantOfEntity(ctx, cmd.ParentTypeID)
		if err != nil {
			return domain.SchemaType{}, errs.Upstream(err)
		}
		if !descends {
			return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("parent type %q does not descend from node.entity", cmd.ParentTypeID)})
		}
		if err := s.rejectCycle(ctx, t.ID, cmd.ParentTypeID); err != nil {
			return domain.SchemaType{}, err
		}
		if existingParent, ok, err := s.registry.GetParentForChild(ctx, t.ID); err != nil {
			return domain.SchemaType{}, errs.Upstream(err)
		} else if ok && existingParent != cmd.ParentTypeID {
			return domain.SchemaType{}, errs.Conflict(fmt.Sprintf("type %q already has parent %q, cannot change to %q", t.ID, existingParent, cmd.ParentTypeID))
		}
	}

	for _, p := range cmd.Properties {
		if !propNamePattern.MatchString(p.PropName) {
			return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("property name %q must match [A-Za-z0-9_]+", p.PropName)})
		}
		switch p.ValueType {
		case domain.ValueTypeString, domain.ValueTypeFloat, domain.ValueTypeInt, domain.ValueTypeBool, domain.ValueTypeDatetime, domain.ValueTypeJSON:
		default:
			return domain.SchemaType{}, errs.Invalid([]string{fmt.Sprintf("property %q has unknown value type %q", p.PropName, p.ValueType)})
		}
	}

	t.Active = true
	if err := s.registry.UpsertType(ctx, t); err != nil {
		return domain.SchemaType{}, errs.Upstream(err)
	}

	if cmd.ParentTypeID != "" {
		inh := domain.TypeInheritance{ChildTypeID: t.ID, ParentTypeID: cmd.ParentTypeID, Active: true}
		if err := s.registry.UpsertInheritance(ctx, inh); err != nil {
			return domain.SchemaType{}, errs.Upstream(err)
		}
	}

	for _, p := range cmd.Properties {
		p.OwnerTypeID = t.ID
		p.Active = true
		if err := s.registry.UpsertProperty(ctx, p); err != nil {
			return domain.SchemaType{}, errs.Upstream(err)
		}
	}

	return t, nil
}

// rejectCycle walks the prospective parent's ancestor chain and fails if
// childID would appear in it, which would make the new link a cycle.
func (s *Service) rejectCycle(ctx context.Context, childID, parentID string) error {
	current := parentID
	visited := map[string]bool{}
	for {
		if current == childID {
			return errs.Conflict(fmt.Sprintf("assigning parent %q to %q would create an inheritance cycle", parentID, childID))
		}
		if visited[current] {
			return nil
		}
		visited[current] = true
		next, ok, err := s.registry.GetParentForChild(ctx, current)
		if err != nil {
			return errs.Upstream(err)
		}
		if !ok {
			return nil
		}
		current = next
	}
}

// GetSchema hydrates the full active schema: every node and edge type with
// its properties (including applicable pseudo-owner rows), parent chain,
// or endpoint rules.
func (s *Service) GetSchema(ctx context.Context) (domain.FullSchema, error) {
	nodeTypes, err := s.registry.GetByKind(ctx, domain.KindNode)
	if err != nil {
		return domain.FullSchema{}, errs.Upstream(err)
	}
	edgeTypes, err := s.registry.GetByKind(ctx, domain.KindEdge)
	if err != nil {
		return domain.FullSchema{}, errs.Upstream(err)
	}
	allProps, err := s.registry.GetAllProperties(ctx)
	if err != nil {
		return domain.FullSchema{}, errs.Upstream(err)
	}
	allInh, err := s.registry.GetAllInheritance(ctx)
	if err != nil {
		return domain.FullSchema{}, errs.Upstream(err)
	}
	allRules, err := s.registry.GetAllEndpointRules(ctx)
	if err != nil {
		return domain.FullSchema{}, errs.Upstream(err)
	}

	propsByOwner := map[string][]domain.TypeProperty{}
	for _, p := range allProps {
		propsByOwner[p.OwnerTypeID] = append(propsByOwner[p.OwnerTypeID], p)
	}
	parentByChild := map[string]domain.TypeInheritance{}
	for _, inh := range allInh {
		parentByChild[inh.ChildTypeID] = inh
	}
	rulesByEdge := map[string][]domain.EdgeEndpointRule{}
	for _, r := range allRules {
		rulesByEdge[r.EdgeTypeID] = append(rulesByEdge[r.EdgeTypeID], r)
	}

	var out domain.FullSchema
	for _, t := range nodeTypes {
		// Hydrate with the full parent chain (nearest first) and the full
		// inherited property set; a property re-declared by a child shadows
		// its ancestor's declaration.
		var parents []domain.TypeInheritance
		var props []domain.TypeProperty
		seenProps := map[string]bool{}
		appendProps := func(owner string) {
			for _, p := range propsByOwner[owner] {
				if !seenProps[p.PropName] {
					seenProps[p.PropName] = true
					props = append(props, p)
				}
			}
		}
		appendProps(t.ID)
		visited := map[string]bool{}
		current := t.ID
		for !visited[current] {
			visited[current] = true
			inh, ok := parentByChild[current]
			if !ok {
				break
			}
			parents = append(parents, inh)
			appendProps(inh.ParentTypeID)
			current = inh.ParentTypeID
		}
		appendProps(domain.PseudoOwnerNode)

		out.NodeTypes = append(out.NodeTypes, domain.SchemaNodeTypeHydrated{
			SchemaType: t,
			Properties: props,
			Parents:    parents,
		})
	}
	for _, t := range edgeTypes {
		out.EdgeTypes = append(out.EdgeTypes, domain.SchemaEdgeTypeHydrated{
			SchemaType: t,
			Properties: append(propsByOwner[t.ID], propsByOwner[domain.PseudoOwnerEdge]...),
			Rules:      rulesByEdge[t.ID],
		})
	}
	return out, nil
}

// ResolveLabels returns typeID's inheritance chain, root-first, with the
// "node."/"edge." prefix stripped and each segment capitalized, matching
// the label convention graph consumers expect.
func (s *Service) ResolveLabels(ctx context.Context, typeID string) ([]string, error) {
	var chain []string
	current := typeID
	visited := map[string]bool{}
	for {
		chain = append(chain, current)
		if visited[current] {
			return nil, errs.Commit(fmt.Errorf("inheritance cycle detected at %q", current))
		}
		visited[current] = true
		parent, ok, err := s.registry.GetParentForChild(ctx, current)
		if err != nil {
			return nil, errs.Upstream(err)
		}
		if !ok {
			break
		}
		current = parent
	}

	labels := make([]string, len(chain))
	for i, id := range chain {
		labels[len(chain)-1-i] = toLabel(id)
	}
	return labels, nil
}

// toLabel renders a type id as a graph label: the kind prefix is stripped
// and each underscore- or dash-delimited segment is capitalized and joined,
// so node.ai_agent becomes "AiAgent". Collapsing the separators keeps every
// label a single PascalCase word, the conventional shape for LPG labels,
// rather than preserving the id's snake_case verbatim.
func toLabel(typeID string) string {
	name := typeID
	if idx := strings.IndexByte(typeID, '.'); idx >= 0 {
		name = typeID[idx+1:]
	}
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}

// AllowedProperties returns the union of typeID's own declared properties,
// its ancestors' properties, and the applicable pseudo-owner's properties,
// keyed by property name. Used by the Delta Validator to check property
// conformance against the full inherited set, not just the leaf type.
func (s *Service) AllowedProperties(ctx context.Context, typeID string, kind domain.Kind) (map[string]domain.TypeProperty, error) {
	out := map[string]domain.TypeProperty{}

	pseudo := domain.PseudoOwnerNode
	if kind == domain.KindEdge {
		pseudo = domain.PseudoOwnerEdge
	}
	pseudoProps, err := s.registry.GetPropertiesForOwner(ctx, pseudo)
	if err != nil {
		return nil, errs.Upstream(err)
	}
	for _, p := range pseudoProps {
		out[p.PropName] = p
	}

	current := typeID
	visited := map[string]bool{}
	for current != "" && !visited[current] {
		visited[current] = true
		props, err := s.registry.GetPropertiesForOwner(ctx, current)
		if err != nil {
			return nil, errs.Upstream(err)
		}
		for _, p := range props {
			if _, exists := out[p.PropName]; !exists {
				out[p.PropName] = p
			}
		}
		parent, ok, err := s.registry.GetParentForChild(ctx, current)
		if err != nil {
			return nil, errs.Upstream(err)
		}
		if !ok {
			break
		}
		current = parent
	}
	return out, nil
}
