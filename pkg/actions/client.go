// Package actions provides the domain-action client: the single primitive
// that appends an envelope to a stream, dressed up as three interaction
// modes.
package actions

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/keyspace"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/observability"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
)

// PayloadField is the single stream-entry field carrying the encoded envelope
const PayloadField = "payload"

// Client emits domain actions for one origin service
type Client struct {
	client *redisclient.Client
	ks     *keyspace.Keyspace
	origin string

	logger  observability.Logger
	metrics observability.MetricsClient

	defaultTimeout time.Duration
	responseTTL    time.Duration
	maxAppendTries uint64
}

// Option configures a Client
type Option func(*Client)

// WithDefaultTimeout sets the pseudo-sync timeout used when the caller
// passes zero
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithResponseTTL sets the TTL the responder applies to response lists.
// Keep it shorter than the shortest caller retry interval.
func WithResponseTTL(d time.Duration) Option {
	return func(c *Client) { c.responseTTL = d }
}

// WithMetrics sets the metrics client
func WithMetrics(m observability.MetricsClient) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client emitting as originService
func NewClient(client *redisclient.Client, ks *keyspace.Keyspace, originService string, logger observability.Logger, opts ...Option) (*Client, error) {
	if !keyspace.ValidSegment(originService) {
		return nil, errors.New("INVALID_SERVICE", "origin service name is not a valid key segment", errors.ClassValidation)
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &Client{
		client:         client,
		ks:             ks,
		origin:         originService,
		logger:         logger,
		metrics:        observability.NewNoopMetricsClient(),
		defaultTimeout: 30 * time.Second,
		responseTTL:    30 * time.Second,
		maxAppendTries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Origin returns the service name this client emits as
func (c *Client) Origin() string { return c.origin }

// ResponseTTL returns the TTL responders should apply to response lists
func (c *Client) ResponseTTL() time.Duration { return c.responseTTL }

// prepare stamps the fields the client owns. The caller's trace_id is
// propagated verbatim; a root action gets a fresh one.
func (c *Client) prepare(action *models.DomainAction) {
	action.ActionID = models.NewActionID()
	action.OriginService = c.origin
	if action.TraceID == "" {
		action.TraceID = models.NewTraceID()
	}
	action.CreatedAt = time.Now().UTC()
}

// SendAsync appends a fire-and-forget action to the target's action stream
// and returns the stream entry ID. No reply is awaited.
func (c *Client) SendAsync(ctx context.Context, action *models.DomainAction) (string, error) {
	ctx, span := observability.StartSpan(ctx, "actions.send_async")
	defer span.End()

	c.prepare(action)
	action.CallbackQueueName = ""
	action.CallbackActionType = ""

	stream, err := c.ks.ActionStream(action.TargetService)
	if err != nil {
		return "", errors.Wrap(err, "INVALID_TARGET", errors.ClassValidation)
	}

	entryID, err := c.append(ctx, stream, action)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return entryID, nil
}

// SendAndWait appends the action, then blocks on its single-use response
// list for up to timeout. The append happens strictly before the wait, so
// the reply cannot be lost between the two.
func (c *Client) SendAndWait(ctx context.Context, action *models.DomainAction, timeout time.Duration) (*models.DomainActionResponse, error) {
	ctx, span := observability.StartSpan(ctx, "actions.send_and_wait")
	defer span.End()

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.prepare(action)
	action.CorrelationID = models.NewCorrelationID()

	replyList, err := c.ks.ResponseList(c.origin, action.CorrelationID)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_REPLY_CHANNEL", errors.ClassValidation)
	}
	action.CallbackQueueName = replyList
	action.CallbackActionType = ""

	stream, err := c.ks.ActionStream(action.TargetService)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_TARGET", errors.ClassValidation)
	}

	span.SetAttribute("correlation_id", action.CorrelationID)

	start := time.Now()
	if _, err := c.append(ctx, stream, action); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The response list does not exist until the responder writes it; the
	// responder applies the TTL on that first write, so a caller that dies
	// here leaks nothing.
	raw, err := c.client.BlockingPop(ctx, action.CallbackQueueName, timeout)
	if err != nil {
		if ctx.Err() != nil {
			wrapped := errors.Wrap(ctx.Err(), "REQUEST_CANCELLED", errors.ClassTimeout).WithCorrelationID(action.CorrelationID)
			span.RecordError(wrapped)
			return nil, wrapped
		}
		wrapped := errors.Wrap(err, "RESPONSE_UNAVAILABLE", errors.ClassUnavailable).WithCorrelationID(action.CorrelationID)
		span.RecordError(wrapped)
		return nil, wrapped
	}
	if raw == nil {
		timedOut := errors.New("REQUEST_TIMEOUT", "no response within "+timeout.String(), errors.ClassTimeout).
			WithCorrelationID(action.CorrelationID)
		span.RecordError(timedOut)
		c.metrics.RecordOperation("client", "send_and_wait", false, time.Since(start).Seconds(), nil)
		return nil, timedOut
	}

	resp, err := models.DecodeResponse(raw)
	if err != nil {
		wrapped := errors.Wrap(err, "RESPONSE_CORRUPT", errors.ClassCorruption).WithCorrelationID(action.CorrelationID)
		span.RecordError(wrapped)
		return nil, wrapped
	}
	if resp.CorrelationID != action.CorrelationID {
		// Single-use lists make this unreachable short of key reuse; treat
		// it as corruption rather than hand a stranger's reply to the caller.
		return nil, errors.New("RESPONSE_MISMATCH", "response correlation_id does not match request", errors.ClassCorruption).
			WithCorrelationID(action.CorrelationID)
	}

	c.metrics.RecordOperation("client", "send_and_wait", resp.Success, time.Since(start).Seconds(), nil)
	return resp, nil
}

// SendWithCallback appends the action and returns immediately; the reply
// arrives later as a fresh action of callbackActionType on this service's
// callbacks stream, carrying the returned correlation ID and the same
// trace_id.
func (c *Client) SendWithCallback(ctx context.Context, action *models.DomainAction, callbackActionType string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "actions.send_with_callback")
	defer span.End()

	c.prepare(action)
	if action.CorrelationID == "" {
		action.CorrelationID = models.NewCorrelationID()
	}

	callbacks, err := c.ks.CallbackStream(c.origin)
	if err != nil {
		return "", errors.Wrap(err, "INVALID_REPLY_CHANNEL", errors.ClassValidation)
	}
	action.CallbackQueueName = callbacks
	action.CallbackActionType = callbackActionType

	stream, err := c.ks.ActionStream(action.TargetService)
	if err != nil {
		return "", errors.Wrap(err, "INVALID_TARGET", errors.ClassValidation)
	}

	span.SetAttribute("correlation_id", action.CorrelationID)

	if _, err := c.append(ctx, stream, action); err != nil {
		span.RecordError(err)
		return "", err
	}
	return action.CorrelationID, nil
}

// Emit appends an already-stamped action to an explicit stream. The worker
// uses it for callback emission. Actions without a trace_id are refused;
// callback cycles without tracing are undebuggable.
func (c *Client) Emit(ctx context.Context, stream string, action *models.DomainAction) (string, error) {
	if action.TraceID == "" {
		return "", errors.New("MISSING_TRACE", "refusing to emit action without trace_id", errors.ClassValidation)
	}
	if action.ActionID == "" {
		action.ActionID = models.NewActionID()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	return c.append(ctx, stream, action)
}

// append encodes and XADDs with bounded backoff on transport failure
func (c *Client) append(ctx context.Context, stream string, action *models.DomainAction) (string, error) {
	data, err := models.EncodeAction(action)
	if err != nil {
		return "", errors.Wrap(err, "INVALID_ACTION", errors.ClassValidation)
	}

	var entryID string
	op := func() error {
		var err error
		entryID, err = c.client.AddToStream(ctx, stream, map[string]interface{}{
			PayloadField: string(data),
		})
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxAppendTries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		c.logger.Error("Failed to append action", map[string]interface{}{
			"stream":      stream,
			"action_type": action.ActionType,
			"trace_id":    action.TraceID,
			"error":       err.Error(),
		})
		return "", errors.Wrap(err, "STREAM_UNAVAILABLE", errors.ClassUnavailable)
	}

	c.logger.Debug("Appended action", map[string]interface{}{
		"stream":      stream,
		"entry_id":    entryID,
		"action_id":   action.ActionID,
		"action_type": action.ActionType,
		"mode":        action.Mode().String(),
	})
	c.metrics.IncrementCounterWithLabels("actions_emitted_total", 1, map[string]string{
		"action_type": action.ActionType,
		"mode":        action.Mode().String(),
	})
	return entryID, nil
}
