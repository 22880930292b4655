// queue_test.go
//
// Unit tests for QueuedMailer dispatch logic.
// Enqueue + StartWorker against real Redis run only when TEST_REDIS_URL is set.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockInner records the most recent message for assertion.
type mockInner struct {
	last  Message
	calls int
	err   error
	sent  chan Message
}

func (m *mockInner) Send(_ context.Context, msg Message) error {
	m.last = msg
	m.calls++
	if m.sent != nil {
		m.sent <- msg
	}
	return m.err
}

func TestQueuedMailer_Dispatch(t *testing.T) {
	inner := &mockInner{}
	q := NewQueuedMailer(inner, nil, 0, nil)

	msg := Message{From: "no-reply@x.io", To: "reset@example.com", Subject: "Reset your password", Text: "link"}
	q.dispatch(context.Background(), msg)

	if inner.calls != 1 {
		t.Fatalf("calls: got %d, want 1", inner.calls)
	}
	if inner.last != msg {
		t.Errorf("message: got %+v, want %+v", inner.last, msg)
	}
}

func TestQueuedMailer_Dispatch_SendError_DoesNotPanic(t *testing.T) {
	inner := &mockInner{err: errors.New("smtp timeout")}
	q := NewQueuedMailer(inner, nil, 0, nil)

	// dispatch logs the error and returns -- must not panic or propagate.
	q.dispatch(context.Background(), Message{To: "err@example.com"})
}

func TestQueuedMailer_Send_RejectsHeaderInjection(t *testing.T) {
	// Validation happens before Redis is touched, so a nil client is fine.
	q := NewQueuedMailer(&mockInner{}, nil, 0, nil)

	err := q.Send(context.Background(), Message{To: "a@x.io\nBcc: b@x.io"})
	if !errors.Is(err, ErrHeaderInjection) {
		t.Errorf("expected ErrHeaderInjection, got %v", err)
	}
}

func TestErrQueueFull_Sentinel(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrQueueFull)
	if !errors.Is(wrapped, ErrQueueFull) {
		t.Error("errors.Is: wrapped ErrQueueFull not detected")
	}
}

// --- Integration (Redis) ---

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parsing TEST_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() {
		rdb.Del(context.Background(), QueueKey)
		rdb.Close()
	})
	rdb.Del(context.Background(), QueueKey)
	return rdb
}

func TestQueuedMailer_QueueCap(t *testing.T) {
	rdb := testRedisClient(t)
	q := NewQueuedMailer(&mockInner{}, rdb, 1, nil)
	ctx := context.Background()

	if err := q.Send(ctx, Message{To: "a@x.io"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := q.Send(ctx, Message{To: "b@x.io"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueuedMailer_WorkerDelivers(t *testing.T) {
	rdb := testRedisClient(t)
	inner := &mockInner{sent: make(chan Message, 1)}
	q := NewQueuedMailer(inner, rdb, DefaultMaxQueueSize, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.StartWorker(ctx)

	want := Message{From: "no-reply@x.io", To: "ann@x.io", Subject: "Confirm your email address", Text: "t"}
	if err := q.Send(ctx, want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-inner.sent:
		if got != want {
			t.Errorf("delivered %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not deliver within 5s")
	}
}
