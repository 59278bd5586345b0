package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/labops/be-lab-procedures/internal/service"
)

// NatsEventPublisher publishes procedure lifecycle events to NATS for
// consumption by downstream services (notifications, reporting).
//
// Subject convention: lab.procedures.<event_type>
// Event types: procedure_created, procedure_started, procedure_completed,
//              procedure_rejected, sample_revision_requested, step_updated,
//              approval_requested, approval_processed, analyst_assigned
type NatsEventPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNatsEventPublisher creates a publisher backed by the given NATS
// connection. A nil connection yields a publisher whose Publish is a no-op.
func NewNatsEventPublisher(conn *nats.Conn, log zerolog.Logger) *NatsEventPublisher {
	return &NatsEventPublisher{conn: conn, log: log}
}

// PublishProcedureEvent publishes one lifecycle event.
// Subject: lab.procedures.<event.Type>
func (p *NatsEventPublisher) PublishProcedureEvent(ctx context.Context, event service.ProcedureEvent) error {
	if p.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal procedure event: %w", err)
	}

	subject := fmt.Sprintf("lab.procedures.%s", event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Msg("Procedure event published")

	return nil
}
