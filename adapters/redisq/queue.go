// Package redisq implements notify.DurableQueue on Redis.
//
// Each queue is a sorted set of message ids scored by the time (unix millis)
// they become visible, plus one hash per message. Receive, Delete and
// ChangeVisibility run as Lua scripts, so a receipt handle is checked and
// consumed atomically.
package redisq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// DefaultPrefix namespaces every key written by the queue.
const DefaultPrefix = "notify"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Prefix   string // Key prefix (default: "notify")
}

// Queue is a Redis-backed notify.DurableQueue.
type Queue struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// Connect opens a client and checks the connection.
func Connect(ctx context.Context, cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, cfg.Prefix), nil
}

// New creates a queue over an existing client.
func New(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{client: client, prefix: prefix, clock: time.Now}
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) visibleKey(queue string) string {
	return q.prefix + ":queue:" + queue + ":visible"
}

func (q *Queue) msgKey(queue, id string) string {
	return q.prefix + ":queue:" + queue + ":msg:" + id
}

// Enqueue implements notify.DurableQueue.
func (q *Queue) Enqueue(ctx context.Context, queue, body string) (string, error) {
	id := uuid.NewString()
	now := q.clock()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(queue, id), map[string]interface{}{
			"body":          body,
			"receipt":       "",
			"receive_count": 0,
			"enqueued_at":   now.UnixMilli(),
		})
		pipe.ZAdd(ctx, q.visibleKey(queue), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to enqueue message", err)
	}
	return id, nil
}

// receiveScript claims up to #ARGV-3 visible ids. KEYS[1] is the visible set;
// ARGV: now, visibleAt, message key prefix, receipts...
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, #ARGV - 3)
local out = {}
for i, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local receipt = id .. '.' .. ARGV[3 + i]
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    redis.call('HSET', key, 'receipt', receipt)
    local count = redis.call('HINCRBY', key, 'receive_count', 1)
    local fields = redis.call('HMGET', key, 'body', 'enqueued_at')
    table.insert(out, {id, receipt, count, fields[1], fields[2]})
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// Receive implements notify.DurableQueue.
func (q *Queue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]model.QueueMessage, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.clock()
	visibleAt := now.Add(visibility)

	args := []interface{}{now.UnixMilli(), visibleAt.UnixMilli(), q.msgKey(queue, "")}
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	raw, err := receiveScript.Run(ctx, q.client, []string{q.visibleKey(queue)}, args...).Slice()
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to receive messages", err)
	}

	msgs := make([]model.QueueMessage, 0, len(raw))
	for _, item := range raw {
		fields, ok := item.([]interface{})
		if !ok || len(fields) != 5 {
			return msgs, notify.NewError(notify.ErrCodeDatabase, "unexpected receive reply")
		}
		count, _ := fields[2].(int64)
		body, _ := fields[3].(string)
		enqueued, _ := strconv.ParseInt(fmt.Sprint(fields[4]), 10, 64)
		msgs = append(msgs, model.QueueMessage{
			MessageID:    fmt.Sprint(fields[0]),
			Queue:        queue,
			Body:         body,
			Receipt:      fmt.Sprint(fields[1]),
			ReceiveCount: int(count),
			VisibleAt:    visibleAt,
			EnqueuedAt:   time.UnixMilli(enqueued),
		})
	}
	return msgs, nil
}

// deleteScript removes a message if the receipt is current.
// KEYS: visible set, message key; ARGV: receipt, id.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[2])
return 1
`)

// Delete implements notify.DurableQueue.
func (q *Queue) Delete(ctx context.Context, queue, receipt string) error {
	id, ok := idFromReceipt(receipt)
	if !ok {
		return notify.ErrNoData
	}
	n, err := deleteScript.Run(ctx, q.client, []string{q.visibleKey(queue), q.msgKey(queue, id)}, receipt, id).Int()
	if err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to delete message", err)
	}
	if n == 0 {
		return notify.ErrNoData
	}
	return nil
}

// visibilityScript reschedules a message if the receipt is current.
// KEYS: visible set, message key; ARGV: receipt, id, visibleAt.
var visibilityScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
return 1
`)

// ChangeVisibility implements notify.DurableQueue.
func (q *Queue) ChangeVisibility(ctx context.Context, queue, receipt string, delay time.Duration) error {
	id, ok := idFromReceipt(receipt)
	if !ok {
		return notify.ErrNoData
	}
	visibleAt := q.clock().Add(delay).UnixMilli()
	n, err := visibilityScript.Run(ctx, q.client,
		[]string{q.visibleKey(queue), q.msgKey(queue, id)}, receipt, id, visibleAt).Int()
	if err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to change visibility", err)
	}
	if n == 0 {
		return notify.ErrNoData
	}
	return nil
}

// Len returns the number of messages in a queue, visible or not.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, q.visibleKey(queue)).Result()
}

func idFromReceipt(receipt string) (string, bool) {
	id, _, ok := strings.Cut(receipt, ".")
	return id, ok && id != ""
}
