// Package redis provides the Redis Streams store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	"github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

// TransportName is the name used to register this store.
const TransportName = "redis"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build connects to Redis using cfg and verifies the connection with PING.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.Store, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := ClientFactory(opts)
	store := New(client, WithBlockTimeout(cfg.GetBlockTimeout()))
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("Connected to redis", logging.LogFields{"addr": opts.Addr, "db": opts.DB, "tls": opts.TLSConfig != nil})
	}
	return store, nil
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// OptionsFromConfig prefers the connection string and falls back to the
// discrete address, password and db settings.
func OptionsFromConfig(cfg transport.Config) (*goredis.Options, error) {
	if cfg == nil {
		return nil, errors.New("redis: config is required")
	}
	if raw := strings.TrimSpace(cfg.GetRedisURL()); raw != "" {
		return ParseConnectionString(raw)
	}
	if cfg.GetRedisAddr() == "" {
		return nil, errors.New("redis: URL or address is required")
	}
	return &goredis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	}, nil
}

// Option configures a Store.
type Option func(*Store)

// WithBlockTimeout makes group reads block server side for up to d.
func WithBlockTimeout(d time.Duration) Option {
	return func(s *Store) { s.block = d }
}

// Store implements transport.Store over Redis Streams.
type Store struct {
	client goredis.UniversalClient
	block  time.Duration
}

var (
	_ transport.Store  = (*Store)(nil)
	_ transport.Pinger = (*Store)(nil)
)

// New wraps an existing client. The store owns the client and closes it on Close.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("PING", s.client.Ping(ctx).Err())
}

func (s *Store) Append(ctx context.Context, streamKey string, fields map[string][]byte) (string, error) {
	if streamKey == "" {
		return "", errspkg.ErrStreamKeyRequired
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("redis XADD %s: no fields", streamKey)
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{Stream: streamKey, Values: values}).Result()
	if err != nil {
		return "", wrapErr("XADD", err)
	}
	return id, nil
}

func (s *Store) CreateGroup(ctx context.Context, streamKey, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: %s on %s", errspkg.ErrGroupAlreadyExists, group, streamKey)
	}
	return wrapErr("XGROUP CREATE", err)
}

func (s *Store) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int) ([]transport.Entry, error) {
	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    int64(count),
		// negative omits BLOCK; zero would block forever
		Block: -1,
	}
	if s.block > 0 {
		args.Block = s.block
	}

	streams, err := s.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("XREADGROUP", err)
	}

	var entries []transport.Entry
	for _, st := range streams {
		for _, msg := range st.Messages {
			entries = append(entries, toEntry(streamKey, msg, 1))
		}
	}
	return entries, nil
}

func (s *Store) Acknowledge(ctx context.Context, streamKey, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, streamKey, group, ids...).Result()
	return n, wrapErr("XACK", err)
}

func (s *Store) ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int) ([]transport.Entry, error) {
	if count <= 0 {
		count = 100
	}
	pending, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("XPENDING", err)
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("XCLAIM", err)
	}

	var entries []transport.Entry
	for _, msg := range claimed {
		// XCLAIM counts this delivery on top of the ones XPENDING reported.
		entries = append(entries, toEntry(streamKey, msg, deliveries[msg.ID]+1))
	}
	return entries, nil
}

func (s *Store) Len(ctx context.Context, streamKey string) (int64, error) {
	n, err := s.client.XLen(ctx, streamKey).Result()
	return n, wrapErr("XLEN", err)
}

func (s *Store) Pending(ctx context.Context, streamKey, group string) (int64, error) {
	summary, err := s.client.XPending(ctx, streamKey, group).Result()
	if err != nil {
		return 0, wrapErr("XPENDING", err)
	}
	return summary.Count, nil
}

func (s *Store) Range(ctx context.Context, streamKey string, count int) ([]transport.Entry, error) {
	var (
		msgs []goredis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, streamKey, "-", "+", int64(count)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, streamKey, "-", "+").Result()
	}
	if err != nil {
		return nil, wrapErr("XRANGE", err)
	}
	entries := make([]transport.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(streamKey, msg, 0))
	}
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, streamKey string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, streamKey, ids...).Result()
	return n, wrapErr("XDEL", err)
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toEntry(streamKey string, msg goredis.XMessage, deliveries int64) transport.Entry {
	fields := make(map[string][]byte, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = []byte(val)
		case []byte:
			fields[k] = append([]byte(nil), val...)
		case nil:
			fields[k] = nil
		default:
			fields[k] = []byte(fmt.Sprint(val))
		}
	}
	return transport.Entry{
		ID:         msg.ID,
		Envelope:   envelope.Envelope{StreamKey: streamKey, Fields: fields},
		Deliveries: deliveries,
	}
}

// wrapErr keeps server replies and cancellation as they are and marks
// everything else (dial, I/O, closed client) as ErrStoreUnavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr goredis.Error
	if errors.As(err, &replyErr) && !errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return fmt.Errorf("%w: redis %s: %v", errspkg.ErrStoreUnavailable, op, err)
}
