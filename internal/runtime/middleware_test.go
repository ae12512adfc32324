package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport/memory"
)

func recordingMiddleware(name string, mu *sync.Mutex, trail *[]string) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: name,
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				mu.Lock()
				*trail = append(*trail, name+":before")
				mu.Unlock()
				msgs, err := h(msg)
				mu.Lock()
				*trail = append(*trail, name+":after")
				mu.Unlock()
				return msgs, err
			}
		},
	}
}

func TestMiddlewaresRunInRegistrationOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		trail []string
	)
	bus := newTestBus(t, nil, testConfig(), bindEvents(func(context.Context, handlerpkg.MessageContext[event]) error {
		mu.Lock()
		trail = append(trail, "handler")
		mu.Unlock()
		return nil
	}),
		withoutDefaults(),
		withMiddleware(recordingMiddleware("outer", &mu, &trail)),
		withMiddleware(recordingMiddleware("inner", &mu, &trail)),
	)
	bus.publish(t, event{ID: "1"})
	bus.start(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trail) == 5
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, trail)
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	bus := newTestBus(t, nil, testConfig(), nil, withoutDefaults())

	assert.Error(t, bus.svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))

	builderErr := errors.New("no collaborator")
	err := bus.svc.RegisterMiddleware(MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Service) (HandlerMiddleware, error) { return nil, builderErr },
	})
	assert.ErrorIs(t, err, builderErr)

	bus.start(t)
	require.Eventually(t, func() bool { return bus.svc.started.Load() }, waitFor, tick)
	err = bus.svc.RegisterMiddleware(TracerMiddleware())
	assert.Error(t, err, "registration after Start")
}

func TestTryNewServiceFailsOnBrokenMiddleware(t *testing.T) {
	conf := testConfig()
	_, err := TryNewService(&conf, loggingpkg.NewRecorder(), memory.New(), handlerpkg.NewBuilder().Build(), ServiceDependencies{
		Middlewares: []MiddlewareRegistration{{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestRetryMiddleware(t *testing.T) {
	fast := RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	tests := []struct {
		name      string
		cfg       RetryMiddlewareConfig
		failures  int32
		err       error
		wantCalls int32
		wantErr   error
	}{
		{"recovers", fast, 2, errors.New("flaky"), 3, nil},
		{"gives up", fast, 10, errors.New("down"), 3, errors.New("down")},
		{"skip is final", fast, 10, errspkg.ErrSkip, 1, errspkg.ErrSkip},
		{"dead letter is final", fast, 10, errspkg.ErrDeadLetter, 1, errspkg.ErrDeadLetter},
		{"retry if refuses", RetryMiddlewareConfig{
			MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
			RetryIf: func(error) bool { return false },
		}, 10, errors.New("fatal"), 1, errors.New("fatal")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			inner := func(*message.Message) ([]*message.Message, error) {
				if calls.Add(1) <= tt.failures {
					return nil, tt.err
				}
				return nil, nil
			}
			mw := retryMiddleware(tt.cfg.withDefaults(), loggingpkg.NewRecorder())
			_, err := mw(inner)(jobMessage(Job{Handler: "h"}))

			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr.Error())
		})
	}
}

func TestRetryMiddlewareDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.MaxInterval)
}

func TestRetryMiddlewareLogsRetries(t *testing.T) {
	logs := loggingpkg.NewRecorder()
	cfg := RetryMiddlewareConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	down := errors.New("down")

	_, err := retryMiddleware(cfg, logs)(func(*message.Message) ([]*message.Message, error) {
		return nil, down
	})(jobMessage(Job{Handler: "h"}))
	require.ErrorIs(t, err, down)

	retries := logs.Find("error", "Error occurred, retrying")
	require.Len(t, retries, 1)
	assert.ErrorIs(t, retries[0].Err, down)
}

func TestDeliveryMessageCarriesEntry(t *testing.T) {
	job := Job{Handler: "h", StreamKey: "events", Group: "g", Delivery: handlerpkg.Delivery{
		EntryID:    "7-1",
		Envelope:   envelope.New("events", []byte(`{"id":"a"}`)),
		Deliveries: 2,
	}}
	msg := jobMessage(job)

	assert.Equal(t, "7-1", msg.UUID)
	assert.Equal(t, `{"id":"a"}`, string(msg.Payload))
	assert.Equal(t, "events", msg.Metadata.Get(MetadataStream))
	assert.Equal(t, "7-1", msg.Metadata.Get(MetadataEntryID))
	assert.Equal(t, "2", msg.Metadata.Get(MetadataDeliveries))
	assert.Equal(t, job, JobFromMessage(msg))

	// a message built elsewhere is described by its metadata
	plain := message.NewMessage("9-0", []byte("xyz"))
	plain.Metadata.Set(MetadataStream, "events")
	plain.Metadata.Set(MetadataDeliveries, "4")
	got := JobFromMessage(plain)
	assert.Equal(t, "9-0", got.EntryID)
	assert.Equal(t, int64(4), got.Deliveries)
	data, ok := got.Envelope.Data()
	require.True(t, ok)
	assert.Equal(t, "xyz", string(data))
}

func TestLogMessagesMiddleware(t *testing.T) {
	logs := loggingpkg.NewRecorder()
	job := Job{Handler: "h", StreamKey: "events", Delivery: handlerpkg.Delivery{
		EntryID:    "5-0",
		Envelope:   envelope.New("events", []byte("abc")),
		Deliveries: 2,
	}}

	_, err := logMessagesMiddleware(logs)(func(*message.Message) ([]*message.Message, error) { return nil, nil })(jobMessage(job))
	require.NoError(t, err)

	records := logs.Find("debug", "Processing message")
	require.Len(t, records, 1)
	assert.Equal(t, "5-0", records[0].Fields["entry_id"])
	assert.Equal(t, int64(2), records[0].Fields["deliveries"])
	assert.Equal(t, 3, records[0].Fields["payload_bytes"])
}

func TestTracerMiddlewarePassesErrorsThrough(t *testing.T) {
	boom := errors.New("boom")
	var inner *message.Message
	_, err := tracerMiddleware()(func(msg *message.Message) ([]*message.Message, error) {
		inner = msg
		return nil, boom
	})(jobMessage(Job{Handler: "h"}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "h", JobFromMessage(inner).Handler, "span context keeps the job")
}

func TestTimeoutMiddlewareBoundsHandlerContext(t *testing.T) {
	var deadline atomic.Bool
	bus := newTestBus(t, nil, testConfig(), bindEvents(func(ctx context.Context, _ handlerpkg.MessageContext[event]) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return nil
	}), withMiddleware(TimeoutMiddleware(time.Minute)))
	bus.publish(t, event{ID: "1"})
	bus.start(t)

	require.Eventually(t, func() bool { return bus.pending(t, "events") == 0 && bus.info(t, "events").Stats.MessagesAcked == 1 }, waitFor, tick)
	assert.True(t, deadline.Load())
}

func TestRecovererMiddlewareCoversLaterMiddlewares(t *testing.T) {
	panicky := MiddlewareRegistration{
		Name: "panicky",
		Middleware: func(HandlerFunc) HandlerFunc {
			return func(*message.Message) ([]*message.Message, error) { panic("broken middleware") }
		},
	}
	bus := newTestBus(t, nil, testConfig(), bindEvents(func(context.Context, handlerpkg.MessageContext[event]) error {
		return nil
	}), withoutDefaults(), withMiddleware(RecovererMiddleware()), withMiddleware(panicky))
	bus.publish(t, event{ID: "1"})
	bus.start(t)

	require.Eventually(t, func() bool {
		return len(bus.logs.Find("error", "Handler failed, message left pending")) > 0
	}, waitFor, tick)
	bus.stop(t)

	var panicErr middleware.RecoveredPanicError
	require.ErrorAs(t, bus.logs.Find("error", "Handler failed")[0].Err, &panicErr)
	assert.Equal(t, "broken middleware", panicErr.V)
}

func TestJobHooks(t *testing.T) {
	var (
		starts, dones atomic.Int32
		mu            sync.Mutex
		failures      []error
		ctxs          []JobContext
	)
	hooks := JobHooks{
		OnJobStart: func(JobContext) { starts.Add(1) },
		OnJobDone: func(ctx JobContext) {
			dones.Add(1)
			mu.Lock()
			ctxs = append(ctxs, ctx)
			mu.Unlock()
		},
	}.Merge(AlertingHooks(func(_ JobContext, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}))

	bus := newTestBus(t, nil, testConfig(), bindEvents(func(_ context.Context, msg handlerpkg.MessageContext[event]) error {
		if msg.Payload.ID == "bad" {
			return errspkg.ErrSkip
		}
		return nil
	}), withMiddleware(JobHooksMiddleware(hooks)))
	bus.publish(t, event{ID: "good"})
	bus.publish(t, event{ID: "bad"})
	bus.start(t)

	require.Eventually(t, func() bool { return starts.Load() == 2 && dones.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failures[0], errspkg.ErrSkip)
	require.Len(t, ctxs, 1)
	assert.Equal(t, "events-handler", ctxs[0].HandlerName)
	assert.Equal(t, "events", ctxs[0].StreamKey)
	assert.Equal(t, int64(1), ctxs[0].Deliveries)
}

func TestLoggingAndMetricsHooks(t *testing.T) {
	logs := loggingpkg.NewRecorder()
	var started, done, failed atomic.Int32
	hooks := LoggingHooks(logs).Merge(MetricsHooks(
		func(string, string) { started.Add(1) },
		func(string, string) { done.Add(1) },
		func(string, string) { failed.Add(1) },
	))

	mw := jobHooksMiddleware(hooks)
	job := Job{Handler: "h", StreamKey: "events", Delivery: handlerpkg.Delivery{EntryID: "1-0", Deliveries: 1}}
	_, err := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })(jobMessage(job))
	require.NoError(t, err)
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, errors.New("x") })(jobMessage(job))
	require.Error(t, err)

	assert.Equal(t, int32(2), started.Load())
	assert.Equal(t, int32(1), done.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.Len(t, logs.Find("info", "Job started"), 2)
	assert.Len(t, logs.Find("info", "Job completed"), 1)
	assert.Len(t, logs.Find("error", "Job failed"), 1)
}
