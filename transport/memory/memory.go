// Package memory provides an in-process stream store with consumer groups,
// pending entry tracking and claiming. It is intended for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	"github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

// TransportName is the name used to register this store.
const TransportName = "memory"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates an empty store. Group reads block for cfg.GetBlockTimeout().
func Build(_ context.Context, cfg transport.Config, _ logging.ServiceLogger) (transport.Store, error) {
	return New(WithBlockTimeout(cfg.GetBlockTimeout())), nil
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for entry ids and idle tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBlockTimeout makes empty group reads wait up to d for a new entry.
func WithBlockTimeout(d time.Duration) Option {
	return func(s *Store) { s.block = d }
}

// Store is a concurrency-safe in-memory stream store.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	block   time.Duration
	streams map[string]*stream
	closed  bool
	// appended is closed and replaced on every append to wake blocked readers.
	appended chan struct{}
}

var _ transport.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		streams:  make(map[string]*stream),
		appended: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type stream struct {
	records []record
	last    entryID
	groups  map[string]*group
}

type record struct {
	id     entryID
	fields map[string][]byte
}

type group struct {
	lastDelivered entryID
	pending       map[entryID]*pendingEntry
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type entryID struct {
	ms  uint64
	seq uint64
}

func (id entryID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id entryID) less(other entryID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

func parseEntryID(raw string) (entryID, bool) {
	msPart, seqPart, ok := strings.Cut(raw, "-")
	if !ok {
		return entryID{}, false
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return entryID{}, false
	}
	return entryID{ms: ms, seq: seq}, true
}

func (s *Store) Append(ctx context.Context, streamKey string, fields map[string][]byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if streamKey == "" {
		return "", errspkg.ErrStreamKeyRequired
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("memory: append to %s: no fields", streamKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", s.closedErr()
	}

	st := s.streamLocked(streamKey)
	id := entryID{ms: uint64(s.now().UnixMilli())}
	if !st.last.less(id) {
		id = entryID{ms: st.last.ms, seq: st.last.seq + 1}
	}
	st.last = id
	st.records = append(st.records, record{id: id, fields: envelope.Envelope{Fields: fields}.Clone().Fields})

	close(s.appended)
	s.appended = make(chan struct{})
	return id.String(), nil
}

func (s *Store) CreateGroup(ctx context.Context, streamKey, groupName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr()
	}

	st := s.streamLocked(streamKey)
	if _, ok := st.groups[groupName]; ok {
		return fmt.Errorf("%w: %s on %s", errspkg.ErrGroupAlreadyExists, groupName, streamKey)
	}
	st.groups[groupName] = &group{pending: make(map[entryID]*pendingEntry)}
	return nil
}

func (s *Store) ReadGroup(ctx context.Context, streamKey, groupName, consumer string, count int) ([]transport.Entry, error) {
	var deadline <-chan time.Time
	for {
		entries, wake, err := s.readGroupOnce(ctx, streamKey, groupName, consumer, count)
		if err != nil || len(entries) > 0 || s.block <= 0 {
			return entries, err
		}
		if deadline == nil {
			timer := time.NewTimer(s.block)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-wake:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) readGroupOnce(ctx context.Context, streamKey, groupName, consumer string, count int) ([]transport.Entry, <-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, s.closedErr()
	}

	st, g, err := s.groupLocked(streamKey, groupName)
	if err != nil {
		return nil, nil, err
	}

	start := sort.Search(len(st.records), func(i int) bool {
		return g.lastDelivered.less(st.records[i].id)
	})
	var entries []transport.Entry
	now := s.now()
	for _, rec := range st.records[start:] {
		if count > 0 && len(entries) == count {
			break
		}
		g.pending[rec.id] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		g.lastDelivered = rec.id
		entries = append(entries, toEntry(streamKey, rec, 1))
	}
	return entries, s.appended, nil
}

func (s *Store) Acknowledge(ctx context.Context, streamKey, groupName string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr()
	}

	st, ok := s.streams[streamKey]
	if !ok {
		return 0, nil
	}
	g, ok := st.groups[groupName]
	if !ok {
		return 0, nil
	}

	var acked int64
	for _, raw := range ids {
		id, ok := parseEntryID(raw)
		if !ok {
			return acked, fmt.Errorf("memory: invalid entry id %q", raw)
		}
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			acked++
		}
	}
	return acked, nil
}

func (s *Store) ClaimStale(ctx context.Context, streamKey, groupName, consumer string, minIdle time.Duration, count int) ([]transport.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErr()
	}

	st, g, err := s.groupLocked(streamKey, groupName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stale := make([]entryID, 0, len(g.pending))
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].less(stale[j]) })
	if count > 0 && len(stale) > count {
		stale = stale[:count]
	}

	entries := make([]transport.Entry, 0, len(stale))
	for _, id := range stale {
		rec, ok := st.find(id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p := g.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		entries = append(entries, toEntry(streamKey, rec, p.deliveries))
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries, nil
}

func (s *Store) Len(ctx context.Context, streamKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr()
	}
	if st, ok := s.streams[streamKey]; ok {
		return int64(len(st.records)), nil
	}
	return 0, nil
}

func (s *Store) Pending(ctx context.Context, streamKey, groupName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr()
	}
	_, g, err := s.groupLocked(streamKey, groupName)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

func (s *Store) Range(ctx context.Context, streamKey string, count int) ([]transport.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErr()
	}
	st, ok := s.streams[streamKey]
	if !ok {
		return nil, nil
	}
	records := st.records
	if count > 0 && len(records) > count {
		records = records[:count]
	}
	entries := make([]transport.Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toEntry(streamKey, rec, 0))
	}
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, streamKey string, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr()
	}
	st, ok := s.streams[streamKey]
	if !ok || len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[entryID]struct{}, len(ids))
	for _, raw := range ids {
		if id, ok := parseEntryID(raw); ok {
			drop[id] = struct{}{}
		}
	}
	kept := st.records[:0]
	var deleted int64
	for _, rec := range st.records {
		if _, ok := drop[rec.id]; ok {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	clear(st.records[len(kept):])
	st.records = kept
	return deleted, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr()
	}
	return nil
}

// Close makes every later call fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) closedErr() error {
	return fmt.Errorf("%w: memory store closed", errspkg.ErrStoreUnavailable)
}

func (s *Store) streamLocked(streamKey string) *stream {
	st, ok := s.streams[streamKey]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[streamKey] = st
	}
	return st
}

func (s *Store) groupLocked(streamKey, groupName string) (*stream, *group, error) {
	st, ok := s.streams[streamKey]
	if ok {
		if g, ok := st.groups[groupName]; ok {
			return st, g, nil
		}
	}
	return nil, nil, fmt.Errorf("memory: NOGROUP no consumer group %q for stream %q", groupName, streamKey)
}

func (st *stream) find(id entryID) (record, bool) {
	i := sort.Search(len(st.records), func(i int) bool { return !st.records[i].id.less(id) })
	if i < len(st.records) && st.records[i].id == id {
		return st.records[i], true
	}
	return record{}, false
}

func toEntry(streamKey string, rec record, deliveries int64) transport.Entry {
	return transport.Entry{
		ID:         rec.id.String(),
		Envelope:   envelope.Envelope{StreamKey: streamKey, Fields: rec.fields}.Clone(),
		Deliveries: deliveries,
	}
}
