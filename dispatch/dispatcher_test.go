package dispatch_test

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

	"github.com/marcelsud/webhook-dispatcher/delivery"
	"github.com/marcelsud/webhook-dispatcher/dispatch"
	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/marcelsud/webhook-dispatcher/subscriber/memory"
	"github.com/marcelsud/webhook-dispatcher/subscriber/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type endpoint struct {
	*httptest.Server
	hits atomic.Int32
}

// newEndpoint counts requests and delegates to h (200 OK when nil)
func newEndpoint(t *testing.T, h http.HandlerFunc) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		if h != nil {
			h(w, r)
		}
	}))
	t.Cleanup(e.Close)
	return e
}

func addSubscriber(t *testing.T, store *memory.Repository, id, url string, eventTypes ...string) subscriber.Subscriber {
	t.Helper()
	s := subscriber.New("sub-"+id, url, eventTypes)
	s.ID = id
	s.RetryCount = 0
	s.RetryDelay = 10 * time.Millisecond
	s.Timeout = time.Second
	s.CreatedAt = time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), s))
	return s
}

func platformEvent(eventType string) event.PlatformEvent {
	return event.PlatformEvent{
		ID:        "evt-1",
		Type:      eventType,
		Source:    "campaigns",
		Payload:   json.RawMessage(`{"campaign":"spring"}`),
		Metadata:  json.RawMessage(`{"actor":"scheduler"}`),
		CreatedAt: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func newDispatcher(store dispatch.Store) *dispatch.Dispatcher {
	return dispatch.New(store, delivery.NewExecutor("Acme", zerolog.Nop()), zerolog.Nop())
}

func TestHandlePlatformEventMatching(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	var body []byte
	var bodyMu sync.Mutex
	matching := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		bodyMu.Lock()
		body, _ = io.ReadAll(r.Body)
		bodyMu.Unlock()
	})
	inactive := newEndpoint(t, nil)
	deleted := newEndpoint(t, nil)
	otherType := newEndpoint(t, nil)
	prefix := newEndpoint(t, nil)

	addSubscriber(t, store, "matching", matching.URL, "campaign.sent", "campaign.created")
	off := addSubscriber(t, store, "inactive", inactive.URL, "campaign.sent")
	off.IsActive = false
	require.NoError(t, store.Update(ctx, off))
	addSubscriber(t, store, "deleted", deleted.URL, "campaign.sent")
	require.NoError(t, store.SoftDelete(ctx, "deleted"))
	addSubscriber(t, store, "other", otherType.URL, "campaign.created")
	addSubscriber(t, store, "prefix", prefix.URL, "campaign")

	report := newDispatcher(store).HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Equal(t, dispatch.Report{EventID: "evt-1", Matched: 1, Succeeded: 1}, report)
	assert.Equal(t, int32(1), matching.hits.Load())
	assert.Equal(t, int32(0), inactive.hits.Load())
	assert.Equal(t, int32(0), deleted.hits.Load())
	assert.Equal(t, int32(0), otherType.hits.Load())
	assert.Equal(t, int32(0), prefix.hits.Load())

	bodyMu.Lock()
	assert.JSONEq(t, `{
		"event": {"id":"evt-1","type":"campaign.sent","source":"campaigns","timestamp":"2024-03-01T09:30:00Z"},
		"data": {"campaign":"spring"},
		"metadata": {"actor":"scheduler"}
	}`, string(body))
	bodyMu.Unlock()

	got, err := store.Get(ctx, "matching")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCalls)
	assert.Equal(t, int64(1), got.SuccessfulCalls)
	assert.Equal(t, 200, *got.LastStatus)
	assert.NotNil(t, got.LastCalledAt)
}

func TestHandlePlatformEventNoSubscribers(t *testing.T) {
	store := memory.NewRepository()

	report := newDispatcher(store).HandlePlatformEvent(context.Background(), platformEvent("campaign.sent"))

	assert.Equal(t, dispatch.Report{EventID: "evt-1"}, report)
}

func TestHandlePlatformEventLookupError(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	repo.On("FindByEventType", ctx, "campaign.sent").Return(nil, errors.New("connection reset"))

	report := newDispatcher(repo).HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Equal(t, 0, report.Matched)
	repo.AssertNotCalled(t, "RecordCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandlePlatformEventIsolation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	const slow = 300 * time.Millisecond
	healthy := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(slow)
	})
	hanging := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	addSubscriber(t, store, "healthy", healthy.URL, "campaign.sent")
	timesOut := addSubscriber(t, store, "hanging", hanging.URL, "campaign.sent")
	timesOut.Timeout = slow
	require.NoError(t, store.Update(ctx, timesOut))

	start := time.Now()
	report := newDispatcher(store).HandlePlatformEvent(ctx, platformEvent("campaign.sent"))
	elapsed := time.Since(start)

	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Less(t, elapsed, 2*slow-50*time.Millisecond, "deliveries must run in parallel")

	ok, err := store.Get(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ok.SuccessfulCalls)
	assert.Nil(t, ok.LastError)

	failed, err := store.Get(ctx, "hanging")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed.FailedCalls)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "timed out")
	assert.Nil(t, failed.LastStatus)
}

func TestHandlePlatformEventRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	var calls atomic.Int32
	flaky := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
		}
	})

	s := addSubscriber(t, store, "flaky", flaky.URL, "campaign.sent")
	s.RetryCount = 2
	s.RetryDelay = 20 * time.Millisecond
	require.NoError(t, store.Update(ctx, s))

	start := time.Now()
	report := newDispatcher(store).HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, int32(3), flaky.hits.Load())

	got, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCalls)
	assert.Equal(t, int64(1), got.SuccessfulCalls)
	assert.Equal(t, int64(0), got.FailedCalls)
}

func TestHandlePlatformEventRetryExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	down := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := addSubscriber(t, store, "down", down.URL, "campaign.sent")
	s.RetryCount = 2
	require.NoError(t, store.Update(ctx, s))

	exec := delivery.NewExecutor("Acme", zerolog.Nop())
	exec.FailOnErrorStatus = true
	d := dispatch.New(store, exec, zerolog.Nop())

	report := d.HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int32(3), down.hits.Load())

	got, err := store.Get(ctx, "down")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalCalls, "intermediate attempts are not recorded")
	assert.Equal(t, int64(1), got.FailedCalls)
	assert.Equal(t, http.StatusServiceUnavailable, *got.LastStatus)
	assert.Equal(t, "HTTP 503", *got.LastError)
}

func TestHandlePlatformEventCounterInvariant(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	var n atomic.Int32
	alternating := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	addSubscriber(t, store, "shared", alternating.URL, "campaign.sent")

	exec := delivery.NewExecutor("Acme", zerolog.Nop())
	exec.FailOnErrorStatus = true
	d := dispatch.New(store, exec, zerolog.Nop())

	const events = 40
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.HandlePlatformEvent(ctx, platformEvent("campaign.sent"))
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(events), got.TotalCalls)
	assert.Equal(t, got.TotalCalls, got.SuccessfulCalls+got.FailedCalls)
	assert.Equal(t, int64(events/2), got.FailedCalls)
}

func TestHandlePlatformEventCancellation(t *testing.T) {
	store := memory.NewRepository()

	hanging := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	s := addSubscriber(t, store, "hanging", hanging.URL, "campaign.sent")
	s.Timeout = time.Minute
	s.RetryCount = 5
	require.NoError(t, store.Update(context.Background(), s))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	report := newDispatcher(store).HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, report.Canceled)
	assert.Equal(t, 0, report.Succeeded)

	got, err := store.Get(context.Background(), "hanging")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TotalCalls, "canceled deliveries are not recorded")
}

type panickingDeliverer struct {
	next dispatch.Deliverer
}

func (p panickingDeliverer) Deliver(ctx context.Context, s subscriber.Subscriber, msg delivery.Message) delivery.Outcome {
	if s.ID == "broken" {
		panic("boom")
	}
	return p.next.Deliver(ctx, s, msg)
}

func TestHandlePlatformEventPanicIsolation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	ok := newEndpoint(t, nil)
	addSubscriber(t, store, "broken", ok.URL, "campaign.sent")
	addSubscriber(t, store, "fine", ok.URL, "campaign.sent")

	d := newDispatcher(store)
	d.Deliverer = panickingDeliverer{next: d.Deliverer}

	report := d.HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	broken, err := store.Get(ctx, "broken")
	require.NoError(t, err)
	require.NotNil(t, broken.LastError)
	assert.Contains(t, *broken.LastError, "panicked")
}

func TestHandlePlatformEventBoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRepository()

	var current, peak atomic.Int32
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		now := current.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
	})
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		addSubscriber(t, store, id, ep.URL, "campaign.sent")
	}

	d := newDispatcher(store)
	d.MaxConcurrency = 2

	report := d.HandlePlatformEvent(ctx, platformEvent("campaign.sent"))

	assert.Equal(t, 6, report.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []delivery.Outcome
}

func (r *outcomeRecorder) ObserveOutcome(_ string, o delivery.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func TestHandlerAdapter(t *testing.T) {
	store := memory.NewRepository()
	ep := newEndpoint(t, nil)
	addSubscriber(t, store, "a", ep.URL, "campaign.sent")

	d := newDispatcher(store)
	recorder := &outcomeRecorder{}
	d.Observer = recorder

	err := d.Handler()(context.Background(), platformEvent("campaign.sent"))

	require.NoError(t, err)
	assert.Equal(t, int32(1), ep.hits.Load())
	require.Len(t, recorder.outcomes, 1)
	assert.True(t, recorder.outcomes[0].Success)
}

func TestHandlerStopsWithMemoryBus(t *testing.T) {
	store := memory.NewRepository()

	down := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := addSubscriber(t, store, "down", down.URL, "campaign.sent")
	s.RetryCount = 3
	s.RetryDelay = 2 * time.Second
	require.NoError(t, store.Update(context.Background(), s))

	exec := delivery.NewExecutor("Acme", zerolog.Nop())
	exec.FailOnErrorStatus = true
	d := dispatch.New(store, exec, zerolog.Nop())

	bus := eventbus.NewMemory(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Subscribe(ctx, event.Topic, d.Handler())

	require.Eventually(t, func() bool {
		if down.hits.Load() == 0 {
			assert.NoError(t, bus.Publish(context.Background(), event.Topic, platformEvent("campaign.sent")))
		}
		return down.hits.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)

	// first attempt failed, the handler is now sleeping before its retry
	cancel()
	start := time.Now()
	require.NoError(t, bus.Close())

	assert.Less(t, time.Since(start), time.Second)
	got, err := store.Get(context.Background(), "down")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TotalCalls, "canceled deliveries are not recorded")
}
