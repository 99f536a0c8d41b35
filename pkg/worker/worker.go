// Package worker consumes a service's action and callback streams through a
// Redis consumer group, dispatches decoded envelopes to registered handlers,
// and owns the delivery guarantees: ack after durable side effect, reclaim of
// abandoned entries, bounded redelivery, dead-lettering of poison input.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agentbus/agentbus/pkg/actions"
	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/keyspace"
	"github.com/agentbus/agentbus/pkg/models"
	"github.com/agentbus/agentbus/pkg/observability"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
)

// Emitter appends an already-stamped action to a stream. The worker uses it
// to emit callback actions; the actions client satisfies it.
type Emitter interface {
	Emit(ctx context.Context, stream string, action *models.DomainAction) (string, error)
}

// PolicyFunc is the pre-handler admission check. A returned error with the
// policy class rejects the action terminally; any other error is transient
// and the delivery is retried.
type PolicyFunc func(ctx context.Context, action *models.DomainAction) error

// Config tunes a Worker
type Config struct {
	// ServiceName is the service this worker consumes for
	ServiceName string
	// ConsumerName identifies this instance within the consumer group
	ConsumerName string
	// NumWorkers is the number of concurrent processing goroutines
	NumWorkers int
	// BatchSize is the maximum entries read per XREADGROUP
	BatchSize int64
	// BlockTimeout is how long a read blocks when the stream is idle
	BlockTimeout time.Duration
	// VisibilityTimeout is how long a pending entry may sit unacked before
	// another consumer may claim it
	VisibilityTimeout time.Duration
	// ClaimInterval is how often the reclaim pass runs
	ClaimInterval time.Duration
	// MaxDeliveries is the delivery cap before an entry is dead-lettered
	MaxDeliveries int64
	// RetryBackoff is how long the processing goroutine pauses after leaving
	// a failed entry pending, so a hot-failing handler does not spin through
	// its delivery budget
	RetryBackoff time.Duration
	// ProcessTimeout bounds a single handler invocation
	ProcessTimeout time.Duration
	// ResponseTTL is applied to pseudo-sync response lists; keep it shorter
	// than the shortest caller retry interval
	ResponseTTL time.Duration
	// MetricsInterval is how often counters are logged; zero disables it
	MetricsInterval time.Duration
	// StreamMaxLen approximately caps consumed streams; zero disables trimming
	StreamMaxLen int64
	// TrimInterval is how often the trim pass runs
	TrimInterval time.Duration
}

// DefaultConfig returns the default worker tuning for a service
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:       serviceName,
		NumWorkers:        5,
		BatchSize:         10,
		BlockTimeout:      5 * time.Second,
		VisibilityTimeout: time.Minute,
		ClaimInterval:     30 * time.Second,
		MaxDeliveries:     3,
		RetryBackoff:      time.Second,
		ProcessTimeout:    30 * time.Second,
		ResponseTTL:       30 * time.Second,
		MetricsInterval:   time.Minute,
		TrimInterval:      5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.ServiceName)
	if c.ConsumerName == "" {
		c.ConsumerName = fmt.Sprintf("%s-%s", c.ServiceName, models.NewActionID()[:8])
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = d.NumWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = d.ResponseTTL
	}
	if c.TrimInterval <= 0 {
		c.TrimInterval = d.TrimInterval
	}
}

// Metrics is a point-in-time snapshot of the worker's counters
type Metrics struct {
	Processed    int64
	Failed       int64
	Retried      int64
	DeadLettered int64
	Reclaimed    int64
}

type streamMessage struct {
	stream string
	msg    goredis.XMessage
}

// Worker is one consumer-group member processing a service's streams
type Worker struct {
	config  Config
	client  *redisclient.Client
	router  *Router
	emitter Emitter
	policy  PolicyFunc

	group    string
	streams  []string
	dlq      string
	breakers *redisclient.BreakerGroup

	logger  observability.Logger
	metrics observability.MetricsClient

	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	reclaimed    atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Worker
type Option func(*Worker)

// WithEmitter sets the client used to emit callback actions. Without it,
// async-callback actions are processed but their callbacks fail terminally.
func WithEmitter(e Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithPolicy installs the pre-handler admission check
func WithPolicy(p PolicyFunc) Option {
	return func(w *Worker) { w.policy = p }
}

// WithBreakerConfig overrides the per-origin circuit breaker tuning
func WithBreakerConfig(cfg *redisclient.BreakerConfig) Option {
	return func(w *Worker) { w.breakers = redisclient.NewBreakerGroup(cfg, w.logger) }
}

// WithMetrics sets the metrics client
func WithMetrics(m observability.MetricsClient) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker for the service named in config. The worker consumes
// both the service's action stream and its callback stream under one group.
func New(config Config, client *redisclient.Client, ks *keyspace.Keyspace, router *Router, logger observability.Logger, opts ...Option) (*Worker, error) {
	if !keyspace.ValidSegment(config.ServiceName) {
		return nil, errors.New("INVALID_SERVICE", "service name is not a valid key segment", errors.ClassValidation)
	}
	config.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	group, err := ks.ConsumerGroup(config.ServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_SERVICE", errors.ClassValidation)
	}
	actionStream, err := ks.ActionStream(config.ServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_SERVICE", errors.ClassValidation)
	}
	callbackStream, err := ks.CallbackStream(config.ServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_SERVICE", errors.ClassValidation)
	}
	dlq, err := ks.DLQStream(config.ServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "INVALID_SERVICE", errors.ClassValidation)
	}

	w := &Worker{
		config:  config,
		client:  client,
		router:  router,
		group:   group,
		streams: []string{actionStream, callbackStream},
		dlq:     dlq,
		logger:  logger.WithPrefix("worker"),
		metrics: observability.NewNoopMetricsClient(),
	}
	w.breakers = redisclient.NewBreakerGroup(nil, w.logger)
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start creates the consumer groups and launches the read, processing,
// reclaim and housekeeping goroutines. It returns once everything is running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker already started")
	}

	for _, stream := range w.streams {
		if err := w.client.EnsureGroup(ctx, stream, w.group); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.started = true

	msgs := make(chan streamMessage, w.config.NumWorkers*2)

	var readers sync.WaitGroup
	for _, stream := range w.streams {
		readers.Add(1)
		w.wg.Add(1)
		go func(stream string) {
			defer readers.Done()
			defer w.wg.Done()
			w.readLoop(runCtx, stream, msgs)
		}(stream)
	}

	// The channel closes only after every reader stopped
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		readers.Wait()
		close(msgs)
	}()

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for m := range msgs {
				w.processMessage(runCtx, m.stream, m.msg)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.claimLoop(runCtx)
	}()

	if w.config.MetricsInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.metricsLoop(runCtx)
		}()
	}
	if w.config.StreamMaxLen > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.trimLoop(runCtx)
		}()
	}

	w.logger.Info("Worker started", map[string]interface{}{
		"service":  w.config.ServiceName,
		"consumer": w.config.ConsumerName,
		"group":    w.group,
		"workers":  w.config.NumWorkers,
		"handlers": w.router.ActionTypes(),
	})
	return nil
}

// Stop halts the worker and waits for in-flight processing to finish or ctx
// to expire. Unacked entries survive in the pending list and are reclaimed
// by another instance after the visibility timeout.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped", map[string]interface{}{
			"service":   w.config.ServiceName,
			"processed": w.processed.Load(),
		})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown timed out: %w", ctx.Err())
	}
}

// Metrics returns a snapshot of the worker's counters
func (w *Worker) Metrics() Metrics {
	return Metrics{
		Processed:    w.processed.Load(),
		Failed:       w.failed.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Reclaimed:    w.reclaimed.Load(),
	}
}

// BreakerStates exposes the per-origin circuit breaker states
func (w *Worker) BreakerStates() map[string]redisclient.BreakerState {
	return w.breakers.States()
}

func (w *Worker) readLoop(ctx context.Context, stream string, out chan<- streamMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := w.client.ReadGroup(ctx, stream, w.group, w.config.ConsumerName, w.config.BatchSize, w.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Stream read failed", map[string]interface{}{
				"stream": stream,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range batch {
			select {
			case out <- streamMessage{stream: stream, msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processMessage runs one delivery end to end. The entry is acked only after
// its observable side effect is durable; crashing anywhere before that leaves
// it pending for redelivery.
func (w *Worker) processMessage(ctx context.Context, stream string, msg goredis.XMessage) {
	start := time.Now()

	action, perr := w.decode(msg)
	if perr != nil {
		// Undecodable input can never succeed on redelivery
		w.deadLetter(ctx, stream, msg, nil, perr)
		return
	}

	log := w.logger.With(map[string]interface{}{
		"entry_id":    msg.ID,
		"action_id":   action.ActionID,
		"action_type": action.ActionType,
		"trace_id":    action.TraceID,
	})

	if w.policy != nil {
		if err := w.policy(ctx, action); err != nil {
			if errors.IsPolicy(err) {
				w.rejectPolicy(ctx, stream, msg, action, err)
				return
			}
			// Policy infrastructure failure is transient; leave the entry
			// pending so the reclaim pass redelivers it
			log.Warn("Policy check unavailable, leaving for redelivery", map[string]interface{}{
				"error": err.Error(),
			})
			w.noteFailure(action)
			return
		}
	}

	handler, ok := w.router.Lookup(action.ActionType)
	if !ok {
		w.rejectTerminally(ctx, stream, msg, action,
			errors.New("NO_HANDLER", fmt.Sprintf("no handler registered for %s", action.ActionType), errors.ClassHandler))
		return
	}

	var result map[string]interface{}
	breaker := w.breakers.Get(action.OriginService)
	err := breaker.Execute(ctx, func() error {
		hctx, hcancel := context.WithTimeout(ctx, w.config.ProcessTimeout)
		defer hcancel()
		var herr error
		result, herr = handler.Handle(hctx, action)
		return herr
	})
	if err != nil {
		w.handleFailure(ctx, stream, msg, action, err, log)
		return
	}

	if !w.deliverResult(ctx, action, result, log) {
		// The reply never became durable; keep the entry pending
		w.noteFailure(action)
		return
	}

	if err := w.client.Ack(ctx, stream, w.group, msg.ID); err != nil {
		// The side effect is durable but the ack is not: the entry will be
		// redelivered and the handler must tolerate it (at-least-once)
		log.Warn("Ack failed after successful processing", map[string]interface{}{
			"error": err.Error(),
		})
	}

	w.processed.Add(1)
	w.metrics.RecordOperation("worker", "process", true, time.Since(start).Seconds(), map[string]string{
		"action_type": action.ActionType,
	})
	log.Debug("Action processed", map[string]interface{}{
		"mode":     action.Mode().String(),
		"duration": time.Since(start).String(),
	})
}

func (w *Worker) decode(msg goredis.XMessage) (*models.DomainAction, error) {
	raw, ok := msg.Values[actions.PayloadField]
	if !ok {
		return nil, errors.New("MISSING_PAYLOAD", "stream entry has no payload field", errors.ClassPoison)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, errors.New("INVALID_PAYLOAD", "payload field is not a string", errors.ClassPoison)
	}
	action, err := models.DecodeAction([]byte(str))
	if err != nil {
		return nil, errors.Wrap(err, "UNDECODABLE_ACTION", errors.ClassPoison)
	}
	return action, nil
}

// deliverResult makes the success observable to the caller per the action's
// mode. It reports whether the side effect is durable.
func (w *Worker) deliverResult(ctx context.Context, action *models.DomainAction, result map[string]interface{}, log observability.Logger) bool {
	switch action.Mode() {
	case models.ModePseudoSync:
		return w.reply(ctx, action, models.NewSuccessResponse(action, result), log)
	case models.ModeAsyncCallback:
		return w.emitCallback(ctx, action, result, nil, log)
	default:
		return true
	}
}

// reply pushes a response onto the caller's single-use list. The TTL bounds
// the life of replies nobody collects.
func (w *Worker) reply(ctx context.Context, action *models.DomainAction, resp *models.DomainActionResponse, log observability.Logger) bool {
	data, err := models.EncodeResponse(resp)
	if err != nil {
		log.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	if err := w.client.PushWithTTL(ctx, action.CallbackQueueName, data, w.config.ResponseTTL); err != nil {
		log.Error("Failed to push response", map[string]interface{}{
			"list":  action.CallbackQueueName,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// emitCallback appends the callback action to the origin's callbacks stream.
// Correlation and trace IDs cross the callback boundary unchanged.
func (w *Worker) emitCallback(ctx context.Context, action *models.DomainAction, result map[string]interface{}, failure *models.ErrorDetail, log observability.Logger) bool {
	if w.emitter == nil {
		log.Error("No emitter configured for callback action", nil)
		return false
	}

	data := result
	if failure != nil {
		data = map[string]interface{}{
			"success": false,
			"error":   failure,
		}
	}

	callback := &models.DomainAction{
		ActionType:    action.CallbackActionType,
		OriginService: w.config.ServiceName,
		TargetService: action.OriginService,
		TenantID:      action.TenantID,
		UserID:        action.UserID,
		SessionID:     action.SessionID,
		TaskID:        action.TaskID,
		TraceID:       action.TraceID,
		CorrelationID: action.CorrelationID,
		Data:          data,
		Metadata:      action.Metadata,
	}

	if _, err := w.emitter.Emit(ctx, action.CallbackQueueName, callback); err != nil {
		log.Error("Failed to emit callback", map[string]interface{}{
			"stream": action.CallbackQueueName,
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// handleFailure decides between redelivery and dead-lettering after a
// handler error. The delivery count comes from the group's pending record,
// which survives crashes; a count carried inside the message would not.
func (w *Worker) handleFailure(ctx context.Context, stream string, msg goredis.XMessage, action *models.DomainAction, herr error, log observability.Logger) {
	w.noteFailure(action)

	pending, err := w.client.PendingFor(ctx, stream, w.group, msg.ID)
	if err != nil || pending == nil {
		log.Warn("Cannot read delivery count, leaving for redelivery", map[string]interface{}{
			"handler_error": herr.Error(),
		})
		return
	}

	if pending.RetryCount >= w.config.MaxDeliveries {
		log.Error("Delivery cap reached, dead-lettering", map[string]interface{}{
			"deliveries":    pending.RetryCount,
			"handler_error": herr.Error(),
		})
		w.rejectTerminally(ctx, stream, msg, action, herr)
		return
	}

	w.retried.Add(1)
	log.Warn("Handler failed, leaving for redelivery", map[string]interface{}{
		"deliveries": pending.RetryCount,
		"error":      herr.Error(),
	})

	// Keep this goroutine off the stream briefly; the entry itself waits for
	// the visibility timeout regardless
	select {
	case <-ctx.Done():
	case <-time.After(w.config.RetryBackoff):
	}
}

// rejectPolicy ends a tier-rejected action. Modes with a reply channel tell
// the caller and the entry is acked without a dead letter; fire-and-forget
// rejections go to the dead letter stream so they are not silently dropped.
func (w *Worker) rejectPolicy(ctx context.Context, stream string, msg goredis.XMessage, action *models.DomainAction, cause error) {
	detail := errorDetail(cause)

	var delivered bool
	switch action.Mode() {
	case models.ModePseudoSync:
		delivered = w.reply(ctx, action, models.NewErrorResponse(action, detail), w.logger)
	case models.ModeAsyncCallback:
		delivered = w.emitCallback(ctx, action, nil, detail, w.logger)
	default:
		w.deadLetter(ctx, stream, msg, action, cause)
		return
	}

	if !delivered {
		// The caller never learned of the rejection; keep the entry pending
		w.noteFailure(action)
		return
	}

	if err := w.client.Ack(ctx, stream, w.group, msg.ID); err != nil {
		w.logger.Warn("Ack failed after policy rejection", map[string]interface{}{
			"stream":   stream,
			"entry_id": msg.ID,
			"error":    err.Error(),
		})
	}

	w.metrics.IncrementCounterWithLabels("worker_policy_rejections_total", 1, map[string]string{
		"action_type": action.ActionType,
	})
	w.logger.Info("Action rejected by tier policy", map[string]interface{}{
		"entry_id":    msg.ID,
		"action_type": action.ActionType,
		"tenant_id":   action.TenantID,
		"reason":      cause.Error(),
	})
}

// rejectTerminally ends an action's life: the caller is told (where a reply
// channel exists), the entry is dead-lettered, and only then acked.
func (w *Worker) rejectTerminally(ctx context.Context, stream string, msg goredis.XMessage, action *models.DomainAction, cause error) {
	detail := errorDetail(cause)

	switch action.Mode() {
	case models.ModePseudoSync:
		w.reply(ctx, action, models.NewErrorResponse(action, detail), w.logger)
	case models.ModeAsyncCallback:
		w.emitCallback(ctx, action, nil, detail, w.logger)
	}

	w.deadLetter(ctx, stream, msg, action, cause)
}

func (w *Worker) noteFailure(action *models.DomainAction) {
	w.failed.Add(1)
	w.metrics.IncrementCounterWithLabels("worker_failures_total", 1, map[string]string{
		"action_type": action.ActionType,
	})
}

// claimLoop periodically sweeps the pending lists for entries whose consumer
// went quiet. Entries under the delivery cap are claimed and reprocessed
// here; entries at the cap go to the dead letter stream.
func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range w.streams {
				w.reclaim(ctx, stream)
			}
		}
	}
}

func (w *Worker) reclaim(ctx context.Context, stream string) {
	pending, err := w.client.Pending(ctx, stream, w.group, 100)
	if err != nil {
		w.logger.Error("Pending scan failed", map[string]interface{}{
			"stream": stream,
			"error":  err.Error(),
		})
		return
	}

	for _, p := range pending {
		if p.Idle < w.config.VisibilityTimeout {
			continue
		}

		claimed, err := w.client.Claim(ctx, stream, w.group, w.config.ConsumerName, w.config.VisibilityTimeout, p.ID)
		if err != nil {
			w.logger.Error("Claim failed", map[string]interface{}{
				"stream":   stream,
				"entry_id": p.ID,
				"error":    err.Error(),
			})
			continue
		}
		// Someone else claimed it first, or the entry was deleted
		if len(claimed) == 0 {
			continue
		}

		w.reclaimed.Add(1)

		// The claim itself incremented the delivery count
		if p.RetryCount+1 > w.config.MaxDeliveries {
			msg := claimed[0]
			action, _ := w.decode(msg)
			w.logger.Error("Reclaimed entry over delivery cap, dead-lettering", map[string]interface{}{
				"stream":     stream,
				"entry_id":   p.ID,
				"deliveries": p.RetryCount + 1,
			})
			w.rejectTerminallyOrRaw(ctx, stream, msg, action)
			continue
		}

		w.processMessage(ctx, stream, claimed[0])
	}
}

// rejectTerminallyOrRaw dead-letters an entry that may not even decode
func (w *Worker) rejectTerminallyOrRaw(ctx context.Context, stream string, msg goredis.XMessage, action *models.DomainAction) {
	cause := errors.New("DELIVERY_EXHAUSTED", "delivery cap reached without successful processing", errors.ClassPoison)
	if action != nil {
		w.rejectTerminally(ctx, stream, msg, action, cause)
		return
	}
	w.deadLetter(ctx, stream, msg, nil, cause)
}

func (w *Worker) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := w.Metrics()
			w.logger.Info("Worker metrics", map[string]interface{}{
				"processed":     m.Processed,
				"failed":        m.Failed,
				"retried":       m.Retried,
				"dead_lettered": m.DeadLettered,
				"reclaimed":     m.Reclaimed,
			})
		}
	}
}

func (w *Worker) trimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range w.streams {
				if err := w.client.TrimStream(ctx, stream, w.config.StreamMaxLen); err != nil {
					w.logger.Warn("Stream trim failed", map[string]interface{}{
						"stream": stream,
						"error":  err.Error(),
					})
				}
			}
		}
	}
}

// errorDetail renders any error into the structured shape edge services see
func errorDetail(err error) *models.ErrorDetail {
	e := errors.AsError(err)
	detail := &models.ErrorDetail{
		Type:    e.Class.String(),
		Message: e.Message,
		Code:    e.Code,
	}
	if d, ok := e.Details.(map[string]interface{}); ok {
		detail.Details = d
	}
	return detail
}
