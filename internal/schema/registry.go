// Package schema implements the Schema Registry (C1) and Schema Service
// (C4): persisted node/edge type declarations, the inheritance DAG, typed
// properties (including the node/edge pseudo-owners), and edge endpoint
// rules, plus the upsert rules and full-schema hydration built on top of
// them.
//
// The registry is backed by a relational metastore reached through
// database/sql, with the embedded schema migrated on startup.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// Registry is the Schema Registry's metastore-backed implementation.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open dials the metastore at dsn and runs the embedded migration.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metastore: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoids SQLITE_BUSY under the embedded driver

	r := &Registry{db: db, logger: logger.Named("schema_registry")}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metastore: %w", err)
	}
	return r, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_types (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS schema_type_inheritance (
	child_type_id  TEXT PRIMARY KEY,
	parent_type_id TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	active         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS schema_type_properties (
	owner_type_id TEXT NOT NULL,
	prop_name     TEXT NOT NULL,
	value_type    TEXT NOT NULL,
	required      INTEGER NOT NULL DEFAULT 0,
	readable      INTEGER NOT NULL DEFAULT 1,
	writable      INTEGER NOT NULL DEFAULT 1,
	active        INTEGER NOT NULL DEFAULT 1,
	description   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner_type_id, prop_name)
);

CREATE TABLE IF NOT EXISTS schema_edge_rules (
	edge_type_id      TEXT NOT NULL,
	from_node_type_id TEXT NOT NULL,
	to_node_type_id   TEXT NOT NULL,
	active            INTEGER NOT NULL DEFAULT 1,
	description       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (edge_type_id, from_node_type_id, to_node_type_id)
);
`

// seed installs what this system requires to function before any caller
// ever calls UpsertSchemaType: the inheritance roots, the structural edge
// types with their endpoint rules, the root-level name/aliases/text
// properties, and the starter types the user-graph bootstrap submits
// through the regular ingest path (node.person, node.ai_agent,
// edge.knows). Endpoint rules are not exposed through UpsertSchemaType
// (the Schema Registry contract only exposes upserts for
// type/inheritance/property), so they can only ever come from here.
func (r *Registry) seed(ctx context.Context) error {
	roots := []domain.SchemaType{
		{ID: domain.TypeNodeEntity, Kind: domain.KindNode, Name: "Entity", Active: true},
		{ID: domain.TypeNodeBlock, Kind: domain.KindNode, Name: "Block", Active: true},
		{ID: domain.TypeNodeUniverse, Kind: domain.KindNode, Name: "Universe", Active: true},
	}
	for _, t := range roots {
		if err := r.UpsertType(ctx, t); err != nil {
			return fmt.Errorf("seeding root type %s: %w", t.ID, err)
		}
	}

	starters := []domain.SchemaType{
		{ID: "node.person", Kind: domain.KindNode, Name: "Person", Active: true},
		{ID: "node.ai_agent", Kind: domain.KindNode, Name: "AI Agent", Active: true},
	}
	for _, t := range starters {
		if err := r.UpsertType(ctx, t); err != nil {
			return fmt.Errorf("seeding starter type %s: %w", t.ID, err)
		}
		if err := r.UpsertInheritance(ctx, domain.TypeInheritance{ChildTypeID: t.ID, ParentTypeID: domain.TypeNodeEntity, Active: true}); err != nil {
			return fmt.Errorf("seeding starter inheritance %s: %w", t.ID, err)
		}
	}

	// Structural properties the bootstrap deltas and candidate scorer rely
	// on: every entity may carry a name and aliases, every block the text
	// that gets embedded. Declared on the roots so the inherited-property
	// closure extends them to every descendant type.
	props := []domain.TypeProperty{
		{OwnerTypeID: domain.TypeNodeEntity, PropName: "name", ValueType: domain.ValueTypeString, Readable: true, Writable: true, Active: true, Description: "display name"},
		{OwnerTypeID: domain.TypeNodeEntity, PropName: "aliases", ValueType: domain.ValueTypeJSON, Readable: true, Writable: true, Active: true, Description: "alternative names, JSON string array"},
		{OwnerTypeID: domain.TypeNodeBlock, PropName: "text", ValueType: domain.ValueTypeString, Readable: true, Writable: true, Active: true, Description: "text content to embed"},
	}
	for _, p := range props {
		if err := r.UpsertProperty(ctx, p); err != nil {
			return fmt.Errorf("seeding property %s.%s: %w", p.OwnerTypeID, p.PropName, err)
		}
	}

	rules := []domain.EdgeEndpointRule{
		{EdgeTypeID: "edge." + lowerEdgeType(domain.EdgeIsPartOf), FromNodeType: domain.TypeNodeEntity, ToNodeType: domain.TypeNodeUniverse, Active: true, Description: "entity membership in a universe"},
		{EdgeTypeID: "edge." + lowerEdgeType(domain.EdgeDescribedBy), FromNodeType: domain.TypeNodeEntity, ToNodeType: domain.TypeNodeBlock, Active: true, Description: "root block describing an entity"},
		{EdgeTypeID: "edge." + lowerEdgeType(domain.EdgeSummarizes), FromNodeType: domain.TypeNodeBlock, ToNodeType: domain.TypeNodeBlock, Active: true, Description: "summary block over a parent block"},
		{EdgeTypeID: "edge.knows", FromNodeType: domain.TypeNodeEntity, ToNodeType: domain.TypeNodeEntity, Active: true, Description: "acquaintance between entities"},
	}
	for _, rule := range rules {
		if err := r.upsertSeedEdgeType(ctx, rule.EdgeTypeID); err != nil {
			return err
		}
		if err := r.UpsertEndpointRule(ctx, rule); err != nil {
			return fmt.Errorf("seeding endpoint rule %s: %w", rule.EdgeTypeID, err)
		}
	}
	return nil
}

func (r *Registry) upsertSeedEdgeType(ctx context.Context, id string) error {
	return r.UpsertType(ctx, domain.SchemaType{ID: id, Kind: domain.KindEdge, Name: id, Active: true})
}

func lowerEdgeType(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out[i] = c
	}
	return string(out)
}

func (r *Registry) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	return r.seed(ctx)
}

// GetByKind returns every active schema type of the given kind.
func (r *Registry) GetByKind(ctx context.Context, kind domain.Kind) ([]domain.SchemaType, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, name, description, active FROM schema_types WHERE kind = ? AND active = 1`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTypes(rows)
}

// GetSchemaType returns one schema type by id, or nil if absent/inactive.
func (r *Registry) GetSchemaType(ctx context.Context, id string) (*domain.SchemaType, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, kind, name, description, active FROM schema_types WHERE id = ?`, id)
	var t domain.SchemaType
	var active int
	if err := row.Scan(&t.ID, &t.Kind, &t.Name, &t.Description, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Active = active != 0
	return &t, nil
}

// GetParentForChild returns the active parent of childTypeID, if any.
func (r *Registry) GetParentForChild(ctx context.Context, childTypeID string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT parent_type_id FROM schema_type_inheritance WHERE child_type_id = ? AND active = 1`, childTypeID)
	var parent string
	if err := row.Scan(&parent); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return parent, true, nil
}

// GetAllInheritance returns the full active inheritance set.
func (r *Registry) GetAllInheritance(ctx context.Context) ([]domain.TypeInheritance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT child_type_id, parent_type_id, description, active FROM schema_type_inheritance WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TypeInheritance
	for rows.Next() {
		var inh domain.TypeInheritance
		var active int
		if err := rows.Scan(&inh.ChildTypeID, &inh.ParentTypeID, &inh.Description, &active); err != nil {
			return nil, err
		}
		inh.Active = active != 0
		out = append(out, inh)
	}
	return out, rows.Err()
}

// GetPropertiesForOwner returns every active property row declared
// directly against ownerTypeID (not including ancestors).
func (r *Registry) GetPropertiesForOwner(ctx context.Context, ownerTypeID string) ([]domain.TypeProperty, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT owner_type_id, prop_name, value_type, required, readable, writable, active, description FROM schema_type_properties WHERE owner_type_id = ? AND active = 1`, ownerTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProperties(rows)
}

// GetAllProperties returns every active property row.
func (r *Registry) GetAllProperties(ctx context.Context) ([]domain.TypeProperty, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT owner_type_id, prop_name, value_type, required, readable, writable, active, description FROM schema_type_properties WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProperties(rows)
}

// GetEndpointRules returns the active endpoint rules for one edge type.
func (r *Registry) GetEndpointRules(ctx context.Context, edgeTypeID string) ([]domain.EdgeEndpointRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT edge_type_id, from_node_type_id, to_node_type_id, active, description FROM schema_edge_rules WHERE edge_type_id = ? AND active = 1`, edgeTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

// GetAllEndpointRules returns the full active endpoint-rule set.
func (r *Registry) GetAllEndpointRules(ctx context.Context) ([]domain.EdgeEndpointRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT edge_type_id, from_node_type_id, to_node_type_id, active, description FROM schema_edge_rules WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

// IsDescendantOfEntity walks the inheritance chain from typeID and reports
// whether it reaches node.entity.
func (r *Registry) IsDescendantOfEntity(ctx context.Context, typeID string) (bool, error) {
	return r.isDescendantOf(ctx, typeID, domain.TypeNodeEntity)
}

// IsDescendantOfBlock walks the inheritance chain from typeID and reports
// whether it reaches node.block.
func (r *Registry) IsDescendantOfBlock(ctx context.Context, typeID string) (bool, error) {
	return r.isDescendantOf(ctx, typeID, domain.TypeNodeBlock)
}

func (r *Registry) isDescendantOf(ctx context.Context, typeID, root string) (bool, error) {
	if typeID == root {
		return true, nil
	}
	visited := map[string]bool{typeID: true}
	current := typeID
	for {
		parent, ok, err := r.GetParentForChild(ctx, current)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if parent == root {
			return true, nil
		}
		if visited[parent] {
			return false, nil // cycle guard; should never occur given upsert rules
		}
		visited[parent] = true
		current = parent
	}
}

// UpsertType creates or updates a schema type row.
func (r *Registry) UpsertType(ctx context.Context, t domain.SchemaType) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schema_types (id, kind, name, description, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, name = excluded.name, description = excluded.description, active = excluded.active
	`, t.ID, string(t.Kind), t.Name, t.Description, boolToInt(t.Active))
	return err
}

// UpsertInheritance creates or updates the single active parent edge for
// a child type.
func (r *Registry) UpsertInheritance(ctx context.Context, inh domain.TypeInheritance) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schema_type_inheritance (child_type_id, parent_type_id, description, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(child_type_id) DO UPDATE SET parent_type_id = excluded.parent_type_id, description = excluded.description, active = excluded.active
	`, inh.ChildTypeID, inh.ParentTypeID, inh.Description, boolToInt(inh.Active))
	return err
}

// UpsertProperty creates or updates a type property row, idempotent on
// (owner_type_id, prop_name).
func (r *Registry) UpsertProperty(ctx context.Context, p domain.TypeProperty) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schema_type_properties (owner_type_id, prop_name, value_type, required, readable, writable, active, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_type_id, prop_name) DO UPDATE SET
			value_type = excluded.value_type, required = excluded.required, readable = excluded.readable,
			writable = excluded.writable, active = excluded.active, description = excluded.description
	`, p.OwnerTypeID, p.PropName, string(p.ValueType), boolToInt(p.Required), boolToInt(p.Readable), boolToInt(p.Writable), boolToInt(p.Active), p.Description)
	return err
}

// UpsertEndpointRule creates or updates an edge endpoint rule. Not exposed
// through the request surface; used only by the registry's own seeding.
func (r *Registry) UpsertEndpointRule(ctx context.Context, rule domain.EdgeEndpointRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schema_edge_rules (edge_type_id, from_node_type_id, to_node_type_id, active, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(edge_type_id, from_node_type_id, to_node_type_id) DO UPDATE SET active = excluded.active, description = excluded.description
	`, rule.EdgeTypeID, rule.FromNodeType, rule.ToNodeType, boolToInt(rule.Active), rule.Description)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTypes(rows *sql.Rows) ([]domain.SchemaType, error) {
	var out []domain.SchemaType
	for rows.Next() {
		var t domain.SchemaType
		var active int
		if err := rows.Scan(&t.ID, &t.Kind, &t.Name, &t.Description, &active); err != nil {
			return nil, err
		}
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanProperties(rows *sql.Rows) ([]domain.TypeProperty, error) {
	var out []domain.TypeProperty
	for rows.Next() {
		var p domain.TypeProperty
		var required, readable, writable, active int
		if err := rows.Scan(&p.OwnerTypeID, &p.PropName, &p.ValueType, &required, &readable, &writable, &active, &p.Description); err != nil {
			return nil, err
		}
		p.Required, p.Readable, p.Writable, p.Active = required != 0, readable != 0, writable != 0, active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanRules(rows *sql.Rows) ([]domain.EdgeEndpointRule, error) {
	var out []domain.EdgeEndpointRule
	for rows.Next() {
		var rule domain.EdgeEndpointRule
		var active int
		if err := rows.Scan(&rule.EdgeTypeID, &rule.FromNodeType, &rule.ToNodeType, &active, &rule.Description); err != nil {
			return nil, err
		}
		rule.Active = active != 0
		out = append(out, rule)
	}
	return out, rows.Err()
}
