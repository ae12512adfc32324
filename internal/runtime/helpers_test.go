package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/fengb3/streambus/internal/runtime/config"
	"github.com/fengb3/streambus/internal/runtime/envelope"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
	"github.com/fengb3/streambus/transport/memory"
)

const (
	testGroup    = "test-group"
	testConsumer = "test-consumer"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

type event struct {
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

var eventCodec = envelope.NewJSONCodec[event]("events")

func testConfig() configpkg.Config {
	return configpkg.Config{
		Store:         configpkg.StoreMemory,
		ConsumerGroup: testGroup,
		ConsumerName:  testConsumer,
	}
}

// recordingSleeper records every requested backoff and returns almost at
// once so loops under test do not wait on the wall clock.
type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (s *recordingSleeper) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *recordingSleeper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// faultyStore wraps a store and fails selected calls.
type faultyStore struct {
	transport.Store

	readFailures atomic.Int32
	readErr      error
	groupErrs    map[string]error

	mu         sync.Mutex
	readCounts []int
}

func (f *faultyStore) CreateGroup(ctx context.Context, streamKey, group string) error {
	if err, ok := f.groupErrs[streamKey]; ok {
		return err
	}
	return f.Store.CreateGroup(ctx, streamKey, group)
}

func (f *faultyStore) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int) ([]transport.Entry, error) {
	f.mu.Lock()
	f.readCounts = append(f.readCounts, count)
	f.mu.Unlock()
	if f.readFailures.Add(-1) >= 0 {
		return nil, f.readErr
	}
	return f.Store.ReadGroup(ctx, streamKey, group, consumer, count)
}

func (f *faultyStore) ReadCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.readCounts))
	copy(out, f.readCounts)
	return out
}

// steppingClock advances by one millisecond on every reading.
func steppingClock() func() time.Time {
	base := time.UnixMilli(1_700_000_000_000)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

type testBus struct {
	svc     *Service
	store   transport.Store
	logs    *loggingpkg.Recorder
	sleeper *recordingSleeper
	metrics *prometheus.Registry

	cancel context.CancelFunc
	done   chan error
}

type busOption func(*ServiceDependencies)

func withMiddleware(reg MiddlewareRegistration) busOption {
	return func(d *ServiceDependencies) { d.Middlewares = append(d.Middlewares, reg) }
}

func withoutDefaults() busOption {
	return func(d *ServiceDependencies) { d.DisableDefaultMiddlewares = true }
}

func newTestBus(t *testing.T, store transport.Store, conf configpkg.Config, bind func(b *handlerpkg.Builder), opts ...busOption) *testBus {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	b := handlerpkg.NewBuilder()
	if bind != nil {
		bind(b)
	}

	bus := &testBus{
		store:   store,
		logs:    loggingpkg.NewRecorder(),
		sleeper: &recordingSleeper{},
		metrics: prometheus.NewRegistry(),
	}
	deps := ServiceDependencies{
		MetricsRegisterer: bus.metrics,
		Sleeper:           bus.sleeper.Sleep,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := TryNewService(&conf, bus.logs, store, b.Build(), deps)
	require.NoError(t, err)
	bus.svc = svc
	return bus
}

func (b *testBus) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan error, 1)
	go func() { b.done <- b.svc.Start(ctx) }()
	t.Cleanup(func() { b.stop(t) })
}

func (b *testBus) stop(t *testing.T) {
	t.Helper()
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
	select {
	case err := <-b.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
	}
}

func (b *testBus) publish(t *testing.T, msg event) string {
	t.Helper()
	id, err := Publish[event](context.Background(), b.svc.Producer(), eventCodec, msg)
	require.NoError(t, err)
	return id
}

func (b *testBus) length(t *testing.T, key string) int64 {
	t.Helper()
	n, err := b.store.Len(context.Background(), key)
	require.NoError(t, err)
	return n
}

func (b *testBus) pending(t *testing.T, key string) int64 {
	t.Helper()
	n, err := b.store.Pending(context.Background(), key, testGroup)
	require.NoError(t, err)
	return n
}

func (b *testBus) info(t *testing.T, streamKey string) HandlerInfo {
	t.Helper()
	for _, info := range b.svc.Handlers() {
		if info.StreamKey == streamKey {
			return info
		}
	}
	t.Fatalf("no loop for %s", streamKey)
	return HandlerInfo{}
}

func jobMessage(job Job) *message.Message {
	return newDeliveryMessage(context.Background(), job)
}

func bindEvents(fn func(ctx context.Context, msg handlerpkg.MessageContext[event]) error) func(*handlerpkg.Builder) {
	return func(b *handlerpkg.Builder) {
		handlerpkg.MustBind(b, handlerpkg.Registration[event]{
			Name:    "events-handler",
			Codec:   eventCodec,
			Factory: handlerpkg.Func(fn),
		})
	}
}
