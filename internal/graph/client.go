// Package graph implements the Graph Repository: the labeled-property-graph
// store backed by DGraph, reached over gRPC via dgo. It owns connection
// lifecycle, schema bootstrap, and the upsert/read contract the rest of the
// service calls against — entities, blocks, universes, and the structural
// edges between them.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the DGraph client with connection pooling and schema setup.
type Client struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
	mu     sync.RWMutex
}

// ClientConfig holds configuration for the DGraph client.
type ClientConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient dials DGraph, making up to cfg.MaxRetries attempts with a fixed
// cfg.RetryInterval pause after each failure, and bootstraps the schema.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to dgraph, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dgraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	client := &Client{conn: conn, dg: dg, logger: logger.Named("graph_client")}

	if err := client.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("dgraph client connected", zap.String("address", cfg.Address))
	return client, nil
}

// schemaDQL declares the predicates and types this system's graph model
// uses. Property sets vary per schema type, so per-node properties are
// carried as an opaque JSON blob rather than one predicate per property.
// Only the three base types are declared here: a node additionally carries
// its full resolved label chain as dgraph.type values (e.g. Person on top
// of Entity), and those labels are schema-governed at runtime, so they
// cannot be enumerated in a boot-time type declaration. Reads in this
// repository filter on node_kind/node_id, never expand(_all_), so the
// undeclared label types cost nothing.
//
// The three structural edge predicates get an explicit @reverse because
// GetNodeRelationshipCounts walks them backwards (a block's DESCRIBED_BY/
// SUMMARIZES parent is always the mutation's subject, never the block
// itself, so finding a block's parent means querying the reverse edge).
// Edge types a caller declares through the Schema Service beyond these
// three get their e_* predicate auto-created by DGraph on first mutation,
// untyped and non-reversible; the Graph Repository never issues a reverse
// query against a non-structural edge, so that default is sufficient.
const schemaDQL = `
	node_id: string @index(exact) @upsert .
	node_kind: string @index(exact) .
	type_id: string @index(exact) .
	user_id: string @index(exact) .
	visibility: string @index(exact) .
	text: string @index(fulltext, term) .
	name_hint: string @index(exact, term) .
	block_level: int @index(int) .
	root_entity_id: string @index(exact) .
	universe_id: string @index(exact) .
	properties_json: string .

	e_IS_PART_OF: [uid] @reverse .
	e_DESCRIBED_BY: [uid] @reverse .
	e_SUMMARIZES: [uid] @reverse .

	type Universe {
		node_id
		node_kind
		user_id
		visibility
		name_hint
	}

	type Entity {
		node_id
		node_kind
		type_id
		user_id
		visibility
		name_hint
		properties_json
	}

	type Block {
		node_id
		node_kind
		type_id
		user_id
		visibility
		text
		block_level
		root_entity_id
		universe_id
		properties_json
	}

	type UserInit {
		node_id
		node_kind
		user_id
	}
`

func (c *Client) ensureSchema(ctx context.Context) error {
	if err := c.dg.Alter(ctx, &api.Operation{Schema: schemaDQL}); err != nil {
		return fmt.Errorf("failed to alter schema: %w", err)
	}
	c.logger.Info("graph schema initialized")
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Do issues a combined query+mutation request against a fresh transaction,
// committing immediately. Used for every upsert that has no other store to
// coordinate with, so the query (resolving existing node_ids to their uids)
// and the mutation (creating or updating those nodes) land in a single
// atomic round trip.
func (c *Client) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	txn := c.dg.NewTxn()
	defer txn.Discard(ctx)
	req.CommitNow = true
	return txn.Do(ctx, req)
}

// NewTxn starts a graph transaction without auto-commit, for the two-store
// commit protocol: the caller mutates, then performs a non-graph side
// effect (the vector upsert), and only commits once that side effect has
// succeeded. The caller is responsible for Commit/Discard.
func (c *Client) NewTxn() *dgo.Txn {
	return c.dg.NewTxn()
}

// Query executes a read-only DQL query.
func (c *Client) Query(ctx context.Context, query string, vars map[string]string) ([]byte, error) {
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	return resp.Json, nil
}
