package worker

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agentbus/agentbus/pkg/actions"
	"github.com/agentbus/agentbus/pkg/models"
)

// DeadLetter is one entry on the service's dead letter stream. The original
// payload is carried verbatim so operators can requeue it after fixing the
// underlying fault.
type DeadLetter struct {
	// ID is the entry's ID on the dead letter stream
	ID string
	// Payload is the original encoded envelope, possibly undecodable
	Payload string
	// SourceStream is the stream the entry failed on
	SourceStream string
	// SourceID is the entry's original stream ID
	SourceID string
	// Reason is the terminal error that sent it here
	Reason string
	// ActionID and ActionType are set when the payload decoded
	ActionID   string
	ActionType string
	TraceID    string
	// FailedAt is when the entry was dead-lettered
	FailedAt time.Time
}

// deadLetter moves an entry to the dead letter stream and acks the original.
// Append-before-ack: a crash between the two duplicates the dead letter, it
// never loses the entry.
func (w *Worker) deadLetter(ctx context.Context, stream string, msg goredis.XMessage, action *models.DomainAction, cause error) {
	payload, _ := msg.Values[actions.PayloadField].(string)

	values := map[string]interface{}{
		actions.PayloadField: payload,
		"source_stream":      stream,
		"source_id":          msg.ID,
		"reason":             cause.Error(),
		"consumer":           w.config.ConsumerName,
		"failed_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if action != nil {
		values["action_id"] = action.ActionID
		values["action_type"] = action.ActionType
		values["trace_id"] = action.TraceID
	}

	if _, err := w.client.AddToStream(ctx, w.dlq, values); err != nil {
		// Leave the entry pending rather than lose it; the reclaim pass will
		// route it here again
		w.logger.Error("Failed to append to dead letter stream", map[string]interface{}{
			"stream":   w.dlq,
			"entry_id": msg.ID,
			"error":    err.Error(),
		})
		return
	}

	if err := w.client.Ack(ctx, stream, w.group, msg.ID); err != nil {
		w.logger.Warn("Ack failed after dead-lettering", map[string]interface{}{
			"stream":   stream,
			"entry_id": msg.ID,
			"error":    err.Error(),
		})
	}

	w.deadLettered.Add(1)
	w.metrics.IncrementCounterWithLabels("worker_dead_letters_total", 1, map[string]string{
		"stream": stream,
	})
	w.logger.Error("Entry dead-lettered", map[string]interface{}{
		"stream":   stream,
		"entry_id": msg.ID,
		"reason":   cause.Error(),
	})
}

// ReadDLQ returns up to count dead letters starting from the given entry ID
// ("-" for the oldest)
func (w *Worker) ReadDLQ(ctx context.Context, start string, count int64) ([]DeadLetter, error) {
	if start == "" {
		start = "-"
	}
	msgs, err := w.client.Range(ctx, w.dlq, start, "+", count)
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		letters = append(letters, decodeDeadLetter(msg))
	}
	return letters, nil
}

// Requeue puts a dead letter back on its source stream for reprocessing and
// removes it from the dead letter stream. The entry gets a fresh delivery
// count.
func (w *Worker) Requeue(ctx context.Context, dlqID string) error {
	msgs, err := w.client.Range(ctx, w.dlq, dlqID, dlqID, 1)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("dead letter %s not found", dlqID)
	}

	letter := decodeDeadLetter(msgs[0])
	if letter.SourceStream == "" || letter.Payload == "" {
		return fmt.Errorf("dead letter %s has no requeueable payload", dlqID)
	}

	if _, err := w.client.AddToStream(ctx, letter.SourceStream, map[string]interface{}{
		actions.PayloadField: letter.Payload,
	}); err != nil {
		return err
	}

	if err := w.client.DeleteFromStream(ctx, w.dlq, dlqID); err != nil {
		w.logger.Warn("Requeued but failed to delete dead letter", map[string]interface{}{
			"entry_id": dlqID,
			"error":    err.Error(),
		})
	}

	w.logger.Info("Dead letter requeued", map[string]interface{}{
		"entry_id": dlqID,
		"stream":   letter.SourceStream,
	})
	return nil
}

// TrimDLQ caps the dead letter stream at approximately maxLen entries
func (w *Worker) TrimDLQ(ctx context.Context, maxLen int64) error {
	return w.client.TrimStream(ctx, w.dlq, maxLen)
}

func decodeDeadLetter(msg goredis.XMessage) DeadLetter {
	letter := DeadLetter{ID: msg.ID}
	if v, ok := msg.Values[actions.PayloadField].(string); ok {
		letter.Payload = v
	}
	if v, ok := msg.Values["source_stream"].(string); ok {
		letter.SourceStream = v
	}
	if v, ok := msg.Values["source_id"].(string); ok {
		letter.SourceID = v
	}
	if v, ok := msg.Values["reason"].(string); ok {
		letter.Reason = v
	}
	if v, ok := msg.Values["action_id"].(string); ok {
		letter.ActionID = v
	}
	if v, ok := msg.Values["action_type"].(string); ok {
		letter.ActionType = v
	}
	if v, ok := msg.Values["trace_id"].(string); ok {
		letter.TraceID = v
	}
	if v, ok := msg.Values["failed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			letter.FailedAt = t
		}
	}
	return letter
}
