// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// messages instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each message to the inner Mailer (SMTPMailer).
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "warden:mail:queue"

// DefaultMaxQueueSize is the default cap (MAIL_QUEUE_MAX).
// Prevents unbounded growth when the SMTP server is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Send when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// QueuedMailer enqueues messages to Redis so callers return immediately
// without waiting for SMTP. Implements Mailer -- callers are unaware of async dispatch.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
	logger       *slog.Logger
}

// NewQueuedMailer wraps inner with a Redis-backed async queue.
// maxSize caps the queue length (0 = unlimited).
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, logger *slog.Logger) *QueuedMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueuedMailer{inner: inner, rdb: rdb, maxQueueSize: maxSize, logger: logger}
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Send serializes msg to JSON and appends it to the Redis queue.
// Returns ErrQueueFull if the queue has reached maxQueueSize.
func (q *QueuedMailer) Send(ctx context.Context, msg Message) error {
	if _, err := formatMessage(msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling mail message: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing mail message: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the mail queue in a loop, dispatching each message to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.logger.Error("mail worker: queue pop failed", "error", err)
			continue
		}
		// res[0] = key name, res[1] = payload
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.logger.Error("mail worker: bad payload", "error", err)
			continue
		}
		q.dispatch(ctx, msg)
	}
}

// dispatch hands msg to inner. Errors are logged and dropped; no retry.
func (q *QueuedMailer) dispatch(ctx context.Context, msg Message) {
	if err := q.inner.Send(ctx, msg); err != nil {
		q.logger.Error("mail worker: send failed", "subject", msg.Subject, "to", msg.To, "error", err)
	}
}
