package ingest

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/exobrain/knowledge-interface/internal/jsonx"
)

// deltaReceivedSubject is the JetStream subject the async entry point
// consumes, matching the event name workflow.go's Inngest trigger fires on.
const deltaReceivedSubject = "delta.received"

// NATSIngress is the Commit Coordinator's other async entry point: a
// durable JetStream consumer running one Coordinator.Run per message. The
// two-store commit is already the unit of atomicity, so batching messages
// here would only interleave unrelated users' locks for no benefit.
type NATSIngress struct {
	js     nats.JetStreamContext
	coord  *Coordinator
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewNATSIngress wires a NATSIngress onto an already-connected JetStream
// context and Coordinator.
func NewNATSIngress(js nats.JetStreamContext, coord *Coordinator, logger *zap.Logger) *NATSIngress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSIngress{js: js, coord: coord, logger: logger.Named("nats_ingress")}
}

// Start subscribes durably to deltaReceivedSubject; each message is
// processed and acked (or nak'd for redelivery) independently.
func (n *NATSIngress) Start(ctx context.Context) error {
	sub, err := n.js.Subscribe(deltaReceivedSubject, n.handle, nats.Durable("commit-coordinator"), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", deltaReceivedSubject, err)
	}
	n.sub = sub
	n.logger.Info("nats ingress subscribed", zap.String("subject", deltaReceivedSubject))
	return nil
}

// Stop unsubscribes from the ingress, leaving any already-delivered but
// unacked message for redelivery to the next consumer instance.
func (n *NATSIngress) Stop() error {
	if n.sub == nil {
		return nil
	}
	return n.sub.Unsubscribe()
}

func (n *NATSIngress) handle(msg *nats.Msg) {
	var input IngestDeltaInput
	if err := jsonx.Unmarshal(msg.Data, &input); err != nil {
		n.logger.Warn("discarding malformed delta.received message", zap.Error(err))
		_ = msg.Ack()
		return
	}

	ctx := context.Background()
	result, err := n.coord.Run(ctx, input.UserID, input.Delta)
	if err != nil {
		n.logger.Warn("async delta commit failed", zap.String("user_id", input.UserID), zap.Error(err))
		_ = msg.Nak()
		return
	}

	n.logger.Info("async delta commit succeeded",
		zap.String("user_id", input.UserID),
		zap.Int("entities_upserted", result.EntitiesUpserted),
		zap.Int("blocks_upserted", result.BlocksUpserted))
	_ = msg.Ack()
}
