package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

// LoopState is the lifecycle state of one consumption loop.
type LoopState string

const (
	StateStarting LoopState = "starting"
	StateRunning  LoopState = "running"
	StateStopped  LoopState = "stopped"
	StateFailed   LoopState = "failed"
)

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// consumer is the consumption loop of one binding. Everything it owns is
// touched only by its own goroutine, except state and stats.
type consumer struct {
	svc     *Service
	binding handlerpkg.Binding
	logger  loggingpkg.ServiceLogger
	stats   *HandlerStats
	handle  HandlerFunc

	emptyBackoff *backoff.ExponentialBackOff
	lastClaim    time.Time

	mu    sync.RWMutex
	state LoopState
}

func newConsumer(svc *Service, binding handlerpkg.Binding) *consumer {
	conf := svc.Conf
	dlq := ""
	if conf.DeadLetterEnabled() {
		dlq = conf.DeadLetterStream(binding.StreamKey)
	}

	empty := backoff.NewExponentialBackOff()
	empty.InitialInterval = conf.EmptyPollBackoff
	empty.MaxInterval = conf.EmptyPollMaxBackoff
	empty.Multiplier = 2
	empty.RandomizationFactor = 0
	empty.Reset()

	return &consumer{
		svc:     svc,
		binding: binding,
		logger: svc.Logger.With(loggingpkg.LogFields{
			loggingpkg.FieldStream:   binding.StreamKey,
			loggingpkg.FieldGroup:    conf.ConsumerGroup,
			loggingpkg.FieldConsumer: conf.ConsumerName,
			loggingpkg.FieldHandler:  binding.Name,
		}),
		stats:        newHandlerStats(binding.Name, binding.StreamKey, dlq, svc.getResourceTracker()),
		emptyBackoff: empty,
		state:        StateStarting,
	}
}

func (c *consumer) State() LoopState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *consumer) setState(state LoopState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// run drives the loop until ctx is cancelled. It never returns an error: a
// loop that cannot create its group is marked failed and stops on its own.
func (c *consumer) run(ctx context.Context) error {
	c.handle = c.svc.chain(c.dispatch)
	c.lastClaim = time.Now()

	group := c.svc.Conf.ConsumerGroup
	if err := transport.EnsureGroup(ctx, c.svc.store, c.binding.StreamKey, group, c.logger); err != nil {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}
		c.stats.onStoreResult(false, err)
		c.logger.Error("Failed to create consumer group, loop stopped", err, nil)
		c.setState(StateFailed)
		return nil
	}

	c.setState(StateRunning)
	c.logger.Info("Consumption loop started", nil)
	defer func() {
		c.setState(StateStopped)
		c.logger.Info("Consumption loop stopped", nil)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivered, err := c.poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			c.svc.metrics.cycleError(c.binding.StreamKey)
			c.logger.Error("Consumption cycle failed", err, loggingpkg.LogFields{
				"retry_in": c.svc.Conf.ErrorBackoff.String(),
			})
			if c.svc.sleep(ctx, c.svc.Conf.ErrorBackoff) != nil {
				return nil
			}
		case !delivered:
			c.stats.onEmptyPoll()
			c.svc.metrics.emptyPoll(c.binding.StreamKey)
			if c.svc.sleep(ctx, c.emptyBackoff.NextBackOff()) != nil {
				return nil
			}
		default:
			c.emptyBackoff.Reset()
		}
	}
}

// poll reads at most one entry and processes it. Stale pending entries are
// claimed whenever ClaimMinIdle has passed since the last claim, so a failed
// entry is retried even while new entries keep arriving, and also whenever
// the stream has nothing new. It reports whether anything was delivered.
func (c *consumer) poll(ctx context.Context) (bool, error) {
	conf := c.svc.Conf
	key := c.binding.StreamKey

	var entries []transport.Entry
	claimed := false
	if conf.DeadLetterEnabled() && time.Since(c.lastClaim) >= conf.ClaimMinIdle {
		var err error
		if entries, err = c.claim(ctx); err != nil {
			return false, err
		}
		claimed = true
	}

	if len(entries) == 0 {
		var err error
		entries, err = c.svc.store.ReadGroup(ctx, key, conf.ConsumerGroup, conf.ConsumerName, 1)
		c.stats.onStoreResult(false, err)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", key, err)
		}
	}

	if len(entries) == 0 && conf.DeadLetterEnabled() && !claimed {
		var err error
		if entries, err = c.claim(ctx); err != nil {
			return false, err
		}
	}

	if len(entries) == 0 {
		return false, nil
	}
	for _, entry := range entries {
		if err := c.process(ctx, entry); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *consumer) claim(ctx context.Context) ([]transport.Entry, error) {
	conf := c.svc.Conf
	key := c.binding.StreamKey
	c.lastClaim = time.Now()
	entries, err := c.svc.store.ClaimStale(ctx, key, conf.ConsumerGroup, conf.ConsumerName, conf.ClaimMinIdle, 1)
	if err != nil {
		return nil, fmt.Errorf("claim stale entries of %s: %w", key, err)
	}
	for _, entry := range entries {
		c.logger.Debug("Reclaimed pending message", loggingpkg.LogFields{
			loggingpkg.FieldEntryID: entry.ID,
			loggingpkg.FieldAttempt: entry.Deliveries,
		})
	}
	return entries, nil
}

// process dispatches entry and settles it. Settling runs on a context that
// ignores cancellation so a handled entry is acknowledged even during
// shutdown.
func (c *consumer) process(ctx context.Context, entry transport.Entry) error {
	job := Job{
		Handler:   c.binding.Name,
		StreamKey: c.binding.StreamKey,
		Group:     c.svc.Conf.ConsumerGroup,
		Delivery: handlerpkg.Delivery{
			EntryID:    entry.ID,
			Envelope:   entry.Envelope,
			Deliveries: entry.Deliveries,
		},
	}

	invocation := c.stats.onMessageStart(entry.ID)
	start := time.Now()
	_, err := c.handle(newDeliveryMessage(ctx, job))
	c.stats.onMessageFinish(invocation, time.Since(start), err, c.svc.getErrorClassifier())

	settleCtx := context.WithoutCancel(ctx)
	outcome := c.settle(entry, err)
	c.svc.metrics.settled(c.binding.StreamKey, outcome)

	fields := loggingpkg.LogFields{
		loggingpkg.FieldEntryID: entry.ID,
		loggingpkg.FieldAttempt: entry.Deliveries,
	}
	switch outcome {
	case errspkg.OutcomeAck:
		if err := c.ack(settleCtx, entry); err != nil {
			return err
		}
		c.stats.onSettled(outcome)
		return nil
	case errspkg.OutcomeSkip:
		c.logger.Info("Handler skipped message", fields)
		if err := c.ack(settleCtx, entry); err != nil {
			return err
		}
		c.stats.onSettled(outcome)
		return nil
	case errspkg.OutcomeDeadLetter:
		if err := c.deadLetter(settleCtx, entry, err); err != nil {
			return err
		}
		c.stats.onSettled(outcome)
		return nil
	default:
		c.logger.Error(failureMessage(err, c.svc.Conf.DeadLetterEnabled()), err, fields)
		return nil
	}
}

// settle decides what to do with entry after dispatch returned err.
func (c *consumer) settle(entry transport.Entry, err error) errspkg.Outcome {
	outcome := errspkg.Classify(err)
	conf := c.svc.Conf
	if !conf.DeadLetterEnabled() {
		if outcome == errspkg.OutcomeDeadLetter {
			return errspkg.OutcomeRetry
		}
		return outcome
	}
	if outcome == errspkg.OutcomeRetry && entry.Deliveries >= int64(conf.MaxDeliveries) {
		return errspkg.OutcomeDeadLetter
	}
	return outcome
}

func failureMessage(err error, redelivery bool) string {
	msg := "Handler failed, message left pending"
	if errors.Is(err, errspkg.ErrDecode) {
		msg = "Failed to decode message, message left pending"
	}
	if redelivery {
		msg += " for redelivery"
	}
	return msg
}

func (c *consumer) ack(ctx context.Context, entry transport.Entry) error {
	_, err := c.svc.store.Acknowledge(ctx, c.binding.StreamKey, c.svc.Conf.ConsumerGroup, entry.ID)
	c.stats.onStoreResult(false, err)
	if err != nil {
		return fmt.Errorf("acknowledge %s on %s: %w", entry.ID, c.binding.StreamKey, err)
	}
	return nil
}

// dispatch is the innermost HandlerFunc. It runs the entry as it was read,
// with the context left on msg by the middlewares.
func (c *consumer) dispatch(msg *message.Message) ([]*message.Message, error) {
	job := JobFromMessage(msg)
	return nil, c.binding.Dispatch(msg.Context(), handlerpkg.Dependencies{
		Logger:   c.logger,
		Producer: c.svc.producer,
	}, job.Delivery)
}

func (c *consumer) info() HandlerInfo {
	conf := c.svc.Conf
	info := HandlerInfo{
		Name:        c.binding.Name,
		StreamKey:   c.binding.StreamKey,
		MessageType: c.binding.MessageType,
		Group:       conf.ConsumerGroup,
		Consumer:    conf.ConsumerName,
		State:       c.State(),
		Stats:       c.stats,
	}
	if conf.DeadLetterEnabled() {
		info.DeadLetterStream = conf.DeadLetterStream(c.binding.StreamKey)
	}
	return info
}
