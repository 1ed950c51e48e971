package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchfetch/internal/auth"
	"batchfetch/internal/config"
	"batchfetch/internal/metrics"
	"batchfetch/internal/models"
)

// Shared metrics instance to avoid duplicate registration
var sharedMetrics = metrics.New()

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) got() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestNew_FillsStatusName(t *testing.T) {
	e := New(BatchFailed, "b1", 404)
	assert.Equal(t, "FAILED_404", e.StatusName)
	assert.Equal(t, BatchFailed, e.Type)
	assert.False(t, e.Timestamp.IsZero())
}

func TestWebhook_DeliversSignedJSON(t *testing.T) {
	signer := auth.NewSigner([]byte("hook-secret"))
	type delivery struct {
		event  Event
		sigErr error
	}
	deliveries := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var d delivery
		d.sigErr = signer.Verify(body, r.Header.Get(auth.SignatureHeader), time.Minute)
		json.Unmarshal(body, &d.event)
		deliveries <- d
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(WebhookOptions{URL: srv.URL, Signer: signer}, sharedMetrics, zap.NewNop())
	require.NoError(t, hook.Publish(context.Background(), New(BatchCompleted, "b1", models.StatusSuccess)))

	d := <-deliveries
	got := d.event
	assert.NoError(t, d.sigErr)
	assert.Equal(t, BatchCompleted, got.Type)
	assert.Equal(t, "b1", got.BatchID)
	assert.Equal(t, models.StatusSuccess, got.Status)
}

func TestWebhook_UnsignedWithoutSecret(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	hook := NewWebhook(WebhookOptions{URL: srv.URL, Signer: auth.NewSigner(nil)}, sharedMetrics, zap.NewNop())
	require.NoError(t, hook.Publish(context.Background(), New(BatchStarted, "b1", models.StatusRunning)))

	h := <-headers
	assert.Empty(t, h.Get(auth.SignatureHeader))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestWebhook_Retries(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int32
		wantErr   bool
	}{
		{"server error then success", []int{500, 503, 200}, 3, false},
		{"throttled then success", []int{429, 200}, 2, false},
		{"client error is final", []int{400, 200}, 1, true},
		{"gives up after max retries", []int{500, 500, 500, 500, 500}, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.codes[n-1])
			}))
			defer srv.Close()

			hook := NewWebhook(WebhookOptions{
				URL:        srv.URL,
				MaxRetries: 3,
				RetryDelay: time.Millisecond,
			}, sharedMetrics, zap.NewNop())

			err := hook.Publish(context.Background(), New(BatchFailed, "b1", 404))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestWebhook_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewWebhook(WebhookOptions{
		URL:        srv.URL,
		MaxRetries: 5,
		RetryDelay: time.Hour,
	}, sharedMetrics, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := hook.Publish(ctx, New(BatchFailed, "b1", 502))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("sink down")}

	err := Multi{bad, ok}.Publish(context.Background(), New(BatchStarted, "b1", models.StatusRunning))

	assert.ErrorContains(t, err, "sink down")
	assert.Len(t, ok.got(), 1)
	assert.Len(t, bad.got(), 1)
}

func TestAsync_CloseWaitsForDelivery(t *testing.T) {
	slow := &recorder{}
	gate := make(chan struct{})
	a := NewAsync(PublisherFunc(func(ctx context.Context, e Event) error {
		<-gate
		return slow.Publish(ctx, e)
	}), time.Second, zap.NewNop())

	require.NoError(t, a.Publish(context.Background(), New(BatchCompleted, "b1", models.StatusSuccess)))
	assert.Empty(t, slow.got(), "publish must not wait for the sink")

	close(gate)
	require.NoError(t, a.Close())
	assert.Len(t, slow.got(), 1)
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(&config.Config{
		EventsWebhookURL: "http://127.0.0.1:1/hook",
		EventsMaxRetries: 2,
		EventsRetryDelay: time.Millisecond,
	}, sharedMetrics, zap.NewNop())
	require.NoError(t, err)

	sinks, ok := a.next.(Multi)
	require.True(t, ok)
	assert.Len(t, sinks, 2)
	require.NoError(t, a.Close())

	_, err = FromConfig(&config.Config{EventsRedisURL: "not-a-url://"}, sharedMetrics, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	sub := client.Subscribe(ctx, "batchfetch:test-events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(client, "batchfetch:test-events", sharedMetrics)
	require.NoError(t, p.Publish(ctx, New(BatchCompleted, "b1", models.StatusSuccess)))

	select {
	case msg := <-sub.Channel():
		var e Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		assert.Equal(t, "b1", e.BatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
