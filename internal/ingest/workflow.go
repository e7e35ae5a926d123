// Package ingest also exposes the Commit Coordinator's async entry point:
// an Inngest function triggered by a "delta.received" event, for callers
// that submit a delta as an Inngest event rather than through the
// synchronous RPC or the NATS JetStream ingress (nats_ingress.go). Every
// entry point calls the same Coordinator.Run, so the
// two-store commit protocol and per-user serialization are identical either
// way; Inngest only adds durable retry around the outer call.
package ingest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/domain"
)

// WorkflowConfig configures the Inngest-backed async entry point.
type WorkflowConfig struct {
	AppID  string
	Logger *zap.Logger
}

// IngestDeltaInput is the event payload for a "delta.received" trigger.
type IngestDeltaInput struct {
	UserID string            `json:"user_id"`
	Delta  domain.GraphDelta `json:"delta"`
}

// IngestDeltaOutput is the durable step's result, mirroring
// domain.UpsertGraphDeltaResult plus an error string for Inngest's history
// view (the actual error, typed, still propagates through the return value).
type IngestDeltaOutput struct {
	domain.UpsertGraphDeltaResult
	ErrorMessage string `json:"error,omitempty"`
}

// ingestDeltaFunction wraps one Coordinator.Run call in a single durable
// step. The whole run is one step rather than one step per phase because
// the phases share an open graph transaction and a held Redis lock, neither
// of which can be durably checkpointed mid-flight; what Inngest buys here is
// retry-with-backoff around the outer call, not step-level resumption.
func ingestDeltaFunction(cfg WorkflowConfig, coord *Coordinator) func(ctx context.Context, input inngestgo.Input[IngestDeltaInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[IngestDeltaInput]) (any, error) {
		logger := cfg.Logger.With(zap.String("user_id", input.Event.Data.UserID))

		out, err := step.Run(ctx, "commit-delta", func(ctx context.Context) (IngestDeltaOutput, error) {
			result, err := coord.Run(ctx, input.Event.Data.UserID, input.Event.Data.Delta)
			if err != nil {
				logger.Warn("async delta commit failed", zap.Error(err))
				return IngestDeltaOutput{ErrorMessage: err.Error()}, err
			}
			logger.Info("async delta commit succeeded",
				zap.Int("entities_upserted", result.EntitiesUpserted),
				zap.Int("blocks_upserted", result.BlocksUpserted))
			return IngestDeltaOutput{UpsertGraphDeltaResult: result}, nil
		})
		return out, err
	}
}

// NewIngestDeltaWorkflow describes the function registration for
// ingestDeltaFunction: triggered by "delta.received".
func NewIngestDeltaWorkflow() (inngestgo.FunctionOpts, inngestgo.Trigger) {
	return inngestgo.FunctionOpts{
			ID:   "ingest-delta",
			Name: "Commit Graph Delta",
		},
		inngestgo.EventTrigger("delta.received", nil)
}

// WorkflowService registers and serves the async Commit Coordinator entry
// point over Inngest's HTTP handler.
type WorkflowService struct {
	client inngestgo.Client
	config WorkflowConfig
	logger *zap.Logger
	server *http.Server
}

// NewWorkflowService wires a WorkflowService onto an already-built
// Coordinator and registers its Inngest function.
func NewWorkflowService(cfg WorkflowConfig, coord *Coordinator) (*WorkflowService, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client, err := inngestgo.NewClient(inngestgo.ClientOpts{AppID: cfg.AppID})
	if err != nil {
		return nil, fmt.Errorf("creating inngest client: %w", err)
	}

	ws := &WorkflowService{client: client, config: cfg, logger: cfg.Logger}

	opts, trigger := NewIngestDeltaWorkflow()
	if _, err := inngestgo.CreateFunction(ws.client, opts, trigger, ingestDeltaFunction(cfg, coord)); err != nil {
		return nil, fmt.Errorf("registering ingest-delta function: %w", err)
	}
	ws.logger.Info("registered ingest-delta workflow")

	return ws, nil
}

// ServeHandler returns the HTTP handler Inngest uses to invoke registered
// functions, for mounting onto the main RPC server's mux.
func (ws *WorkflowService) ServeHandler() http.Handler {
	return ws.client.Serve()
}
