package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Stream, list and counter operations. Each method maps onto one wire
// command family; nothing else in the substrate touches go-redis directly.

// AddToStream appends an entry to a stream and returns its entry ID
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.Unwrap().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}

// EnsureGroup creates stream and consumer group if missing. The BUSYGROUP
// reply means another instance won the race; that is not an error.
//
// The group starts at "$": entries appended before the first group creation
// are never delivered to it. Deployments start workers before producers, so
// a durable stream does not begin life replaying stale entries.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.Unwrap().XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup reads up to count new entries for consumer, blocking up to block.
// Returns nil with no error when the block timeout expires.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := c.Blocking().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// Ack removes entries from the group's pending list
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return c.Unwrap().XAck(ctx, stream, group, ids...).Err()
}

// Pending returns up to count pending entries of the group
func (c *Client) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	res, err := c.Unwrap().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// PendingFor returns the pending record of a single entry, or nil if the
// entry is no longer pending
func (c *Client) PendingFor(ctx context.Context, stream, group, id string) (*redis.XPendingExt, error) {
	res, err := c.Unwrap().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err == redis.Nil || (err == nil && len(res) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res[0], nil
}

// Claim transfers ownership of entries idle longer than minIdle to consumer
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.XMessage, error) {
	res, err := c.Unwrap().XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// Range reads entries of a stream between start and end
func (c *Client) Range(ctx context.Context, stream, start, end string, count int64) ([]redis.XMessage, error) {
	return c.Unwrap().XRangeN(ctx, stream, start, end, count).Result()
}

// DeleteFromStream removes entries from a stream by ID
func (c *Client) DeleteFromStream(ctx context.Context, stream string, ids ...string) error {
	return c.Unwrap().XDel(ctx, stream, ids...).Err()
}

// TrimStream caps a stream at approximately maxLen entries
func (c *Client) TrimStream(ctx context.Context, stream string, maxLen int64) error {
	return c.Unwrap().XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

// PushWithTTL appends a value to a list and applies ttl. The TTL is the
// safety net that reclaims response lists whose reader is gone.
func (c *Client) PushWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := c.Unwrap().TxPipeline()
	pipe.RPush(ctx, key, value)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// BlockingPop waits up to timeout for a value on key, using the dedicated
// blocking pool. Returns nil with no error on timeout.
func (c *Client) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := c.Blocking().BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP replies [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// IncrByWithTTL increments a counter and applies ttl when the key is new
func (c *Client) IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := c.Unwrap().TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetCounter reads an integer counter; missing keys read as zero
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.Unwrap().Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
