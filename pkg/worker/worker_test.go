package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentbus/agentbus/pkg/actions"
	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/keyspace"
	"github.com/agentbus/agentbus/pkg/models"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
)

type fixture struct {
	s      *miniredis.Miniredis
	rc     *redisclient.Client
	ks     *keyspace.Keyspace
	router *Router
	worker *Worker

	stream string
	group  string
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	s := miniredis.RunT(t)
	rc, err := redisclient.NewClient(&redisclient.Config{
		Addresses:    []string{s.Addr()},
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	ks := keyspace.MustNew("agentbus", "test")
	router := NewRouter()

	if cfg.ServiceName == "" {
		cfg.ServiceName = "orchestrator"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-1"
	}
	w, err := New(cfg, rc, ks, router, nil, opts...)
	require.NoError(t, err)

	f := &fixture{
		s:      s,
		rc:     rc,
		ks:     ks,
		router: router,
		worker: w,
		stream: genKey(ks.ActionStream(cfg.ServiceName)),
		group:  genKey(ks.ConsumerGroup(cfg.ServiceName)),
	}

	ctx := context.Background()
	require.NoError(t, rc.EnsureGroup(ctx, f.stream, f.group))
	require.NoError(t, rc.EnsureGroup(ctx, genKey(ks.CallbackStream(cfg.ServiceName)), f.group))

	return f
}

// genKey unwraps a generator result for fixed test inputs known valid
func genKey(key string, err error) string {
	if err != nil {
		panic(err)
	}
	return key
}

// enqueue appends an encoded action and returns it as a pending delivery
func (f *fixture) enqueue(t *testing.T, action *models.DomainAction) goredis.XMessage {
	t.Helper()

	data, err := models.EncodeAction(action)
	require.NoError(t, err)
	return f.enqueueRaw(t, map[string]interface{}{actions.PayloadField: string(data)})
}

func (f *fixture) enqueueRaw(t *testing.T, values map[string]interface{}) goredis.XMessage {
	t.Helper()
	ctx := context.Background()

	_, err := f.rc.AddToStream(ctx, f.stream, values)
	require.NoError(t, err)

	msgs, err := f.rc.ReadGroup(ctx, f.stream, f.group, f.worker.config.ConsumerName, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (f *fixture) isAcked(t *testing.T, id string) bool {
	t.Helper()
	pending, err := f.rc.PendingFor(context.Background(), f.stream, f.group, id)
	require.NoError(t, err)
	return pending == nil
}

func (f *fixture) dlqEntries(t *testing.T) []DeadLetter {
	t.Helper()
	letters, err := f.worker.ReadDLQ(context.Background(), "-", 100)
	require.NoError(t, err)
	return letters
}

func testAction(mutate func(*models.DomainAction)) *models.DomainAction {
	a := &models.DomainAction{
		ActionID:      models.NewActionID(),
		ActionType:    "session.create",
		OriginService: "chat",
		TargetService: "orchestrator",
		TenantID:      "tenant-1",
		TraceID:       "trace-1",
		Data:          map[string]interface{}{"user": "u-1"},
		CreatedAt:     time.Now().UTC(),
	}
	if mutate != nil {
		mutate(a)
	}
	return a
}

func TestProcessFireAndForget(t *testing.T) {
	f := newFixture(t, Config{})

	var handled atomic.Int64
	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		handled.Add(1)
		return nil, nil
	})

	msg := f.enqueue(t, testAction(nil))
	f.worker.processMessage(context.Background(), f.stream, msg)

	assert.Equal(t, int64(1), handled.Load())
	assert.True(t, f.isAcked(t, msg.ID))
	assert.Equal(t, int64(1), f.worker.Metrics().Processed)
}

func TestProcessPseudoSync(t *testing.T) {
	f := newFixture(t, Config{ResponseTTL: 30 * time.Second})
	ctx := context.Background()

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return map[string]interface{}{"session_id": "s-1"}, nil
	})

	replyList := genKey(f.ks.ResponseList("chat", "corr-1"))
	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.CorrelationID = "corr-1"
		a.CallbackQueueName = replyList
	}))

	f.worker.processMessage(ctx, f.stream, msg)

	raw, err := f.rc.BlockingPop(ctx, replyList, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	resp, err := models.DecodeResponse(raw)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, "s-1", resp.Data["session_id"])

	assert.True(t, f.isAcked(t, msg.ID))
}

func TestPseudoSyncResponseCarriesTTL(t *testing.T) {
	f := newFixture(t, Config{ResponseTTL: 30 * time.Second})

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return nil, nil
	})

	replyList := genKey(f.ks.ResponseList("chat", "corr-ttl"))
	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.CorrelationID = "corr-ttl"
		a.CallbackQueueName = replyList
	}))
	f.worker.processMessage(context.Background(), f.stream, msg)

	ttl := f.s.TTL(replyList)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestProcessCallback(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	emitter, err := actions.NewClient(f.rc, f.ks, "orchestrator", nil)
	require.NoError(t, err)
	WithEmitter(emitter)(f.worker)

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return map[string]interface{}{"session_id": "s-9"}, nil
	})

	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.CorrelationID = "corr-cb"
		a.CallbackQueueName = genKey(f.ks.CallbackStream("chat"))
		a.CallbackActionType = "session.create.completed"
	}))
	f.worker.processMessage(ctx, f.stream, msg)

	msgs, err := f.rc.Range(ctx, genKey(f.ks.CallbackStream("chat")), "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	raw := msgs[0].Values[actions.PayloadField].(string)
	callback, err := models.DecodeAction([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "session.create.completed", callback.ActionType)
	assert.Equal(t, "orchestrator", callback.OriginService)
	assert.Equal(t, "chat", callback.TargetService)
	assert.Equal(t, "corr-cb", callback.CorrelationID)
	assert.Equal(t, "trace-1", callback.TraceID)
	assert.Equal(t, "s-9", callback.Data["session_id"])

	assert.True(t, f.isAcked(t, msg.ID))
}

func TestCallbackWithoutEmitterLeavesPending(t *testing.T) {
	f := newFixture(t, Config{})

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return nil, nil
	})

	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.CorrelationID = "corr-1"
		a.CallbackQueueName = genKey(f.ks.CallbackStream("chat"))
		a.CallbackActionType = "session.create.completed"
	}))
	f.worker.processMessage(context.Background(), f.stream, msg)

	assert.False(t, f.isAcked(t, msg.ID))
}

func TestPoisonGoesToDLQ(t *testing.T) {
	f := newFixture(t, Config{})

	msg := f.enqueueRaw(t, map[string]interface{}{actions.PayloadField: "{not json"})
	f.worker.processMessage(context.Background(), f.stream, msg)

	letters := f.dlqEntries(t)
	require.Len(t, letters, 1)
	assert.Equal(t, "{not json", letters[0].Payload)
	assert.Equal(t, f.stream, letters[0].SourceStream)
	assert.Equal(t, msg.ID, letters[0].SourceID)
	assert.NotEmpty(t, letters[0].Reason)

	assert.True(t, f.isAcked(t, msg.ID))
	assert.Equal(t, int64(1), f.worker.Metrics().DeadLettered)
}

func TestMissingPayloadGoesToDLQ(t *testing.T) {
	f := newFixture(t, Config{})

	msg := f.enqueueRaw(t, map[string]interface{}{"other": "field"})
	f.worker.processMessage(context.Background(), f.stream, msg)

	require.Len(t, f.dlqEntries(t), 1)
	assert.True(t, f.isAcked(t, msg.ID))
}

func TestNoHandlerGoesToDLQ(t *testing.T) {
	f := newFixture(t, Config{})

	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.ActionType = "session.unknown"
	}))
	f.worker.processMessage(context.Background(), f.stream, msg)

	letters := f.dlqEntries(t)
	require.Len(t, letters, 1)
	assert.Equal(t, "session.unknown", letters[0].ActionType)
	assert.True(t, f.isAcked(t, msg.ID))
}

func TestHandlerErrorLeavesPendingUnderCap(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveries: 3, RetryBackoff: time.Millisecond})

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return nil, fmt.Errorf("transient failure")
	})

	msg := f.enqueue(t, testAction(nil))
	f.worker.processMessage(context.Background(), f.stream, msg)

	// Not acked and not dead-lettered: the entry waits for redelivery
	assert.False(t, f.isAcked(t, msg.ID))
	assert.Empty(t, f.dlqEntries(t))
	assert.Equal(t, int64(1), f.worker.Metrics().Retried)
	assert.Equal(t, int64(1), f.worker.Metrics().Failed)
}

func TestHandlerErrorBacksOffBeforeRedelivery(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveries: 3, RetryBackoff: 200 * time.Millisecond})

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return nil, fmt.Errorf("transient failure")
	})

	msg := f.enqueue(t, testAction(nil))

	start := time.Now()
	f.worker.processMessage(context.Background(), f.stream, msg)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, f.isAcked(t, msg.ID))

	// A cancelled context cuts the pause short
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	f.worker.handleFailure(ctx, f.stream, msg, testAction(nil), fmt.Errorf("transient failure"), f.worker.logger)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDoubleDeliveryReachesHandlerTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// At-least-once delivery: the same envelope can reach the handler more
	// than once, so handlers key their side effects by action_id. This
	// handler models that contract and records what it saw.
	var mu sync.Mutex
	applied := make(map[string]int)
	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		applied[a.ActionID]++
		return nil, nil
	})

	action := testAction(nil)
	data, err := models.EncodeAction(action)
	require.NoError(t, err)

	// The same encoded envelope appended twice, as after an ack lost to a
	// crash followed by a requeue
	first := f.enqueueRaw(t, map[string]interface{}{actions.PayloadField: string(data)})
	f.worker.processMessage(ctx, f.stream, first)
	second := f.enqueueRaw(t, map[string]interface{}{actions.PayloadField: string(data)})
	f.worker.processMessage(ctx, f.stream, second)

	// Both deliveries ack; the duplicate is visible to the handler under one
	// action_id, which is what lets it deduplicate
	assert.True(t, f.isAcked(t, first.ID))
	assert.True(t, f.isAcked(t, second.ID))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 1)
	assert.Equal(t, 2, applied[action.ActionID])
}

func TestHandlerErrorAtCapDeadLettersAndReplies(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveries: 1})
	ctx := context.Background()

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		return nil, fmt.Errorf("persistent failure")
	})

	replyList := genKey(f.ks.ResponseList("chat", "corr-err"))
	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.CorrelationID = "corr-err"
		a.CallbackQueueName = replyList
	}))
	f.worker.processMessage(ctx, f.stream, msg)

	raw, err := f.rc.BlockingPop(ctx, replyList, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	resp, err := models.DecodeResponse(raw)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "HandlerError", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "persistent failure")

	require.Len(t, f.dlqEntries(t), 1)
	assert.True(t, f.isAcked(t, msg.ID))
}

func TestPolicyRejection(t *testing.T) {
	policy := func(ctx context.Context, a *models.DomainAction) error {
		if a.TenantID == "blocked" {
			return errors.New("EMBEDDING_QUOTA", "daily quota exhausted", errors.ClassPolicy)
		}
		return nil
	}

	t.Run("pseudo-sync gets an error reply", func(t *testing.T) {
		f := newFixture(t, Config{}, WithPolicy(policy))
		ctx := context.Background()

		f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
			t.Fatal("handler must not run for a rejected action")
			return nil, nil
		})

		replyList := genKey(f.ks.ResponseList("chat", "corr-pol"))
		msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
			a.TenantID = "blocked"
			a.CorrelationID = "corr-pol"
			a.CallbackQueueName = replyList
		}))
		f.worker.processMessage(ctx, f.stream, msg)

		raw, err := f.rc.BlockingPop(ctx, replyList, time.Second)
		require.NoError(t, err)
		require.NotNil(t, raw)

		resp, err := models.DecodeResponse(raw)
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, "TierLimitExceeded", resp.Error.Type)
		assert.Equal(t, "EMBEDDING_QUOTA", resp.Error.Code)

		assert.True(t, f.isAcked(t, msg.ID))
		// The caller saw the rejection; no dead letter
		assert.Empty(t, f.dlqEntries(t))
	})

	t.Run("fire-and-forget goes to the DLQ", func(t *testing.T) {
		f := newFixture(t, Config{}, WithPolicy(policy))

		msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
			a.TenantID = "blocked"
		}))
		f.worker.processMessage(context.Background(), f.stream, msg)

		require.Len(t, f.dlqEntries(t), 1)
		assert.True(t, f.isAcked(t, msg.ID))
	})

	t.Run("admitted tenants flow through", func(t *testing.T) {
		f := newFixture(t, Config{}, WithPolicy(policy))

		f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
			return nil, nil
		})

		msg := f.enqueue(t, testAction(nil))
		f.worker.processMessage(context.Background(), f.stream, msg)
		assert.True(t, f.isAcked(t, msg.ID))
	})
}

func TestPolicyInfraFailureLeavesPending(t *testing.T) {
	f := newFixture(t, Config{}, WithPolicy(func(ctx context.Context, a *models.DomainAction) error {
		return errors.New("USAGE_UNAVAILABLE", "redis down", errors.ClassUnavailable)
	}))

	msg := f.enqueue(t, testAction(nil))
	f.worker.processMessage(context.Background(), f.stream, msg)

	assert.False(t, f.isAcked(t, msg.ID))
	assert.Empty(t, f.dlqEntries(t))
}

func TestReclaimProcessesAbandonedEntry(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveries: 3, VisibilityTimeout: time.Minute})
	ctx := context.Background()

	var handled atomic.Int64
	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		handled.Add(1)
		return nil, nil
	})

	// A consumer that died mid-flight: delivered, never acked
	data, err := models.EncodeAction(testAction(nil))
	require.NoError(t, err)
	_, err = f.rc.AddToStream(ctx, f.stream, map[string]interface{}{actions.PayloadField: string(data)})
	require.NoError(t, err)
	_, err = f.rc.ReadGroup(ctx, f.stream, f.group, "dead-consumer", 10, 50*time.Millisecond)
	require.NoError(t, err)

	// miniredis FastForward only expires TTLs; pending idle time is computed
	// against the clock set via SetTime
	f.s.SetTime(time.Now().UTC().Add(2 * time.Minute))
	f.worker.reclaim(ctx, f.stream)

	assert.Equal(t, int64(1), handled.Load())
	assert.Equal(t, int64(1), f.worker.Metrics().Reclaimed)
	assert.Equal(t, int64(1), f.worker.Metrics().Processed)
}

func TestReclaimOverCapDeadLetters(t *testing.T) {
	f := newFixture(t, Config{MaxDeliveries: 1, VisibilityTimeout: time.Minute})
	ctx := context.Background()

	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		t.Fatal("handler must not run for an exhausted entry")
		return nil, nil
	})

	data, err := models.EncodeAction(testAction(nil))
	require.NoError(t, err)
	_, err = f.rc.AddToStream(ctx, f.stream, map[string]interface{}{actions.PayloadField: string(data)})
	require.NoError(t, err)
	_, err = f.rc.ReadGroup(ctx, f.stream, f.group, "dead-consumer", 10, 50*time.Millisecond)
	require.NoError(t, err)

	// miniredis FastForward only expires TTLs; pending idle time is computed
	// against the clock set via SetTime
	f.s.SetTime(time.Now().UTC().Add(2 * time.Minute))
	f.worker.reclaim(ctx, f.stream)

	require.Len(t, f.dlqEntries(t), 1)
	assert.Equal(t, int64(1), f.worker.Metrics().DeadLettered)
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	msg := f.enqueue(t, testAction(func(a *models.DomainAction) {
		a.ActionType = "session.unrouted"
	}))
	f.worker.processMessage(ctx, f.stream, msg)

	letters := f.dlqEntries(t)
	require.Len(t, letters, 1)

	require.NoError(t, f.worker.Requeue(ctx, letters[0].ID))

	assert.Empty(t, f.dlqEntries(t))

	msgs, err := f.rc.Range(ctx, f.stream, "-", "+", 100)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, letters[0].Payload, last.Values[actions.PayloadField])
}

func TestRequeueMissingEntry(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Error(t, f.worker.Requeue(context.Background(), "0-1"))
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, Config{
		NumWorkers:   2,
		BlockTimeout: 50 * time.Millisecond,
	})

	var handled atomic.Int64
	f.router.RegisterFunc("session.create", func(ctx context.Context, a *models.DomainAction) (map[string]interface{}, error) {
		handled.Add(1)
		return nil, nil
	})

	leakCheck := goleak.IgnoreCurrent()

	ctx := context.Background()
	require.NoError(t, f.worker.Start(ctx))
	require.Error(t, f.worker.Start(ctx), "second start must fail")

	client, err := actions.NewClient(f.rc, f.ks, "chat", nil)
	require.NoError(t, err)
	_, err = client.SendAsync(ctx, &models.DomainAction{
		ActionType:    "session.create",
		TargetService: "orchestrator",
		TenantID:      "tenant-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handled.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.worker.Stop(stopCtx))
	require.NoError(t, f.worker.Stop(stopCtx), "second stop is a no-op")

	// Ignore the in-process miniredis server goroutines that serve go-redis
	// pool connections; those live until the client closes in test cleanup
	goleak.VerifyNone(t, leakCheck,
		goleak.IgnoreAnyFunction("github.com/alicebob/miniredis/v2/server.(*Server).servePeer"),
		goleak.IgnoreAnyFunction("github.com/alicebob/miniredis/v2/server.(*Server).servePeer.func2"),
	)
}
