package runtime

import (
	"context"
	"fmt"
	"time"

	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

// deadLetter copies entry unchanged to the dead-letter stream and then
// acknowledges it. If the ack fails the copy stays and the entry is
// dead-lettered again on its next delivery.
func (c *consumer) deadLetter(ctx context.Context, entry transport.Entry, cause error) error {
	target := c.svc.Conf.DeadLetterStream(c.binding.StreamKey)
	fields := entry.Envelope.Clone().Fields

	dlqID, err := c.svc.store.Append(ctx, target, fields)
	c.stats.onStoreResult(true, err)
	if err != nil {
		return fmt.Errorf("dead-letter %s to %s: %w", entry.ID, target, err)
	}
	if err := c.ack(ctx, entry); err != nil {
		return err
	}

	var age time.Duration
	if at, ok := entryTime(entry.ID); ok {
		age = max(now().Sub(at), 0)
	}
	c.svc.dlqMetrics.RecordMessageToDLQ(c.binding.StreamKey, c.binding.Name, entry.Deliveries, age)

	c.logger.Error("Moved message to dead-letter stream", cause, loggingpkg.LogFields{
		loggingpkg.FieldEntryID: entry.ID,
		loggingpkg.FieldAttempt: entry.Deliveries,
		"dead_letter_stream":    target,
		"dead_letter_id":        dlqID,
	})
	return nil
}

// DeadLetters returns up to count entries from the dead-letter stream of
// streamKey, oldest first (all when count <= 0).
func (s *Service) DeadLetters(ctx context.Context, streamKey string, count int) ([]transport.Entry, error) {
	return s.store.Range(ctx, s.Conf.DeadLetterStream(streamKey), count)
}

// ReplayDeadLetters appends up to count dead letters of streamKey back onto
// streamKey and removes them from the dead-letter stream. It returns how many
// were replayed; on error the entries replayed so far stay replayed.
func (s *Service) ReplayDeadLetters(ctx context.Context, streamKey string, count int) (int64, error) {
	source := s.Conf.DeadLetterStream(streamKey)
	entries, err := s.store.Range(ctx, source, count)
	if err != nil {
		return 0, fmt.Errorf("streambus: list dead letters of %s: %w", streamKey, err)
	}

	var replayed int64
	defer func() {
		if replayed > 0 {
			s.dlqMetrics.RecordMessagesReplayed(streamKey, replayed)
			s.Logger.Info("Replayed dead letters", loggingpkg.LogFields{
				loggingpkg.FieldStream: streamKey,
				"count":                replayed,
			})
		}
	}()

	for _, entry := range entries {
		if _, err := s.store.Append(ctx, streamKey, entry.Envelope.Fields); err != nil {
			return replayed, fmt.Errorf("streambus: replay %s: %w", entry.ID, err)
		}
		if _, err := s.store.Delete(ctx, source, entry.ID); err != nil {
			return replayed, fmt.Errorf("streambus: remove replayed %s from %s: %w", entry.ID, source, err)
		}
		replayed++
	}
	return replayed, nil
}

// PurgeDeadLetters deletes every dead letter of streamKey.
func (s *Service) PurgeDeadLetters(ctx context.Context, streamKey string) (int64, error) {
	source := s.Conf.DeadLetterStream(streamKey)
	entries, err := s.store.Range(ctx, source, 0)
	if err != nil {
		return 0, fmt.Errorf("streambus: list dead letters of %s: %w", streamKey, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	n, err := s.store.Delete(ctx, source, ids...)
	if err != nil {
		return 0, fmt.Errorf("streambus: purge %s: %w", source, err)
	}
	s.dlqMetrics.RecordMessagesPurged(streamKey, n)
	s.Logger.Info("Purged dead letters", loggingpkg.LogFields{
		loggingpkg.FieldStream: streamKey,
		"count":                n,
	})
	return n, nil
}

// SyncDeadLetterCounts refreshes the current dead-letter gauges from the
// length of every bound stream's dead-letter stream.
func (s *Service) SyncDeadLetterCounts(ctx context.Context) error {
	for _, loop := range s.loops {
		key := loop.binding.StreamKey
		n, err := s.store.Len(ctx, s.Conf.DeadLetterStream(key))
		if err != nil {
			return fmt.Errorf("streambus: dead-letter length of %s: %w", key, err)
		}
		s.dlqMetrics.SetCurrentCount(key, uint64(n))
	}
	return nil
}

// DLQMetrics returns the dead-letter metrics collector.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}
