// Package redis stores ledger versions in Redis. Each key owns a sequence counter, a current
// value and a history list, all updated by one Lua script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/ledger"
)

const historyPage = 100

// putScript bumps the sequence, replaces the current value and appends
// "<sequence>:<unix nanos>:<value>" to the history list.
var putScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], seq .. ':' .. ARGV[2] .. ':' .. ARGV[1])
return seq
`)

// casScript compares the current value with ARGV[2] (absence when ARGV[1] is "0") and returns
// -1 on a mismatch. Otherwise it deletes the current value when ARGV[3] is "1", or writes
// ARGV[4] at time ARGV[5] like putScript.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if ARGV[1] == '0' then
	if cur then return -1 end
elseif (not cur) or cur ~= ARGV[2] then
	return -1
end
if ARGV[3] == '1' then
	redis.call('DEL', KEYS[2])
	return 0
end
local seq = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], ARGV[4])
redis.call('RPUSH', KEYS[3], seq .. ':' .. ARGV[5] .. ':' .. ARGV[4])
return seq
`)

// Store is a ledger.Store over a go-redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every Redis key. The default is "rxledger:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock overrides the timestamp source for history entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store on client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "rxledger:",
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// url and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ ledger.Store = (*Store)(nil)

// hashTag wraps key in braces so all three Redis keys of one ledger key share a cluster slot.
// Cluster hashing stops at the first closing brace, so braces and the escape character inside
// the key are percent-encoded to keep the tag intact and distinct keys distinct.
var tagEscaper = strings.NewReplacer("%", "%25", "{", "%7B", "}", "%7D")

func hashTag(key string) string { return "{" + tagEscaper.Replace(key) + "}" }

func (s *Store) seqKey(key string) string     { return s.prefix + hashTag(key) + ":seq" }
func (s *Store) currentKey(key string) string { return s.prefix + hashTag(key) + ":current" }
func (s *Store) historyKey(key string) string { return s.prefix + hashTag(key) + ":history" }

// Put runs the write script.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	keys := []string{s.seqKey(key), s.currentKey(key), s.historyKey(key)}
	seq, err := putScript.Run(ctx, s.client, keys, value, s.now().UTC().UnixNano()).Int64()
	if err != nil {
		return ledger.StorageError("put", key, err)
	}
	s.logger.Debug("ledger version written", zap.String("key", key), zap.Int64("sequence", seq))
	return nil
}

// CompareAndSwap runs casScript. Redis executes scripts atomically, so the check and the write
// cannot interleave with another client's.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	keys := []string{s.seqKey(key), s.currentKey(key), s.historyKey(key)}
	expect, del := "1", "0"
	if old == nil {
		expect = "0"
	}
	if value == nil {
		del = "1"
	}
	res, err := casScript.Run(ctx, s.client, keys,
		expect, old, del, value, s.now().UTC().UnixNano()).Int64()
	if err != nil {
		return ledger.StorageError("compare and swap", key, err)
	}
	if res < 0 {
		return ledger.ConflictError(key)
	}
	return nil
}

// Get reads the current value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.currentKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ledger.StorageError("get", key, err)
	}
	return value, true, nil
}

// Delete drops the current value. The counter and history list stay.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.currentKey(key)).Err(); err != nil {
		return ledger.StorageError("delete", key, err)
	}
	return nil
}

// History reads the history list in pages.
func (s *Store) History(ctx context.Context, key string) iter.Seq2[ledger.Version, error] {
	return func(yield func(ledger.Version, error) bool) {
		listKey := s.historyKey(key)
		for start := int64(0); ; start += historyPage {
			page, err := s.client.LRange(ctx, listKey, start, start+historyPage-1).Result()
			if err != nil {
				yield(ledger.Version{}, ledger.StorageError("history", key, err))
				return
			}
			for _, raw := range page {
				v, err := parseEntry(raw)
				if err != nil {
					yield(ledger.Version{}, ledger.StorageError("history", key, err))
					return
				}
				if !yield(v, nil) {
					return
				}
			}
			if len(page) < historyPage {
				return
			}
		}
	}
}

func parseEntry(raw string) (ledger.Version, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return ledger.Version{}, fmt.Errorf("malformed history entry %q", raw)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ledger.Version{}, fmt.Errorf("history sequence: %w", err)
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ledger.Version{}, fmt.Errorf("history timestamp: %w", err)
	}
	return ledger.Version{
		Value:     []byte(parts[2]),
		Sequence:  seq,
		Timestamp: time.Unix(0, nanos).UTC(),
	}, nil
}
