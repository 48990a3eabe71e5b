package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// Options tune the store independently of the connection.
type Options struct {
	Prefix string
	// MaxTTL bounds every entry with an absolute Redis expiry.
	MaxTTL time.Duration
	// LockTTL is the lifetime of regeneration locks.
	LockTTL time.Duration
	Logger  *slog.Logger
}

const (
	scanBatch      = 500
	defaultLockTTL = 30 * time.Second
)

var errSkipped = errors.New("storage: skipped")

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store over a Redis or Valkey server.
type RedisStore struct {
	client  valkey.Client
	keys    Keys
	maxTTL  time.Duration
	lockTTL time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewRedis connects and pings the server. Callers fall back to Disabled when
// this fails.
func NewRedis(cfg RedisConfig, opts Options) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	return newRedisStore(client, opts), nil
}

func newRedisStore(client valkey.Client, opts Options) *RedisStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &RedisStore{
		client:  client,
		keys:    NewKeys(opts.Prefix),
		maxTTL:  opts.MaxTTL,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("agent", "storage")),
	}
}

func (s *RedisStore) IsAvailable() bool { return s != nil && s.client != nil }

// Keys exposes the key scheme.
func (s *RedisStore) Keys() Keys { return s.keys }

func (s *RedisStore) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *RedisStore) emit(ev Event) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func (s *RedisStore) done(op, hash string, tags []string, err error) bool {
	ok := err == nil
	if err != nil && !errors.Is(err, errSkipped) {
		s.logger.Error("cache store operation failed",
			slog.String("operation", op),
			slog.String("hash", hash),
			slog.Any("error", err),
		)
	}
	if errors.Is(err, errSkipped) {
		err = nil
	}
	s.emit(Event{Operation: op, Phase: PhaseAfter, Hash: hash, Tags: tags, OK: ok, Err: err})
	return ok
}

// GetCache reads the entry hash and the lock marker in one round trip. A
// malformed entry is deleted and reported as a miss.
func (s *RedisStore) GetCache(ctx context.Context, hash string) (Lookup, bool) {
	c := s.client
	resps := c.DoMulti(ctx,
		c.B().Hgetall().Key(s.keys.Entry(hash)).Build(),
		c.B().Exists().Key(s.keys.Lock(hash)).Build(),
	)
	fields, err := resps[0].AsStrMap()
	if err != nil {
		s.done("get", hash, nil, err)
		return Lookup{}, false
	}
	if len(fields) == 0 {
		s.done("get", hash, nil, errSkipped)
		return Lookup{}, false
	}
	locked, err := resps[1].AsInt64()
	if err != nil {
		s.done("get", hash, nil, err)
		return Lookup{}, false
	}
	entry, err := decodeEntry(fields[dataField])
	if err != nil {
		s.logger.Warn("discarding malformed cache entry", slog.String("hash", hash), slog.Any("error", err))
		s.DeleteCache(ctx, hash)
		s.done("get", hash, nil, errSkipped)
		return Lookup{}, false
	}
	tags := make([]string, 0, len(fields)-1)
	for field := range fields {
		if field != dataField {
			tags = append(tags, field)
		}
	}
	lookup := Lookup{Entry: entry, Tags: uniqueSorted(tags), Locked: locked > 0}
	s.done("get", hash, lookup.Tags, nil)
	return lookup, true
}

// SetCache replaces the entry, its tag markers and the tag memberships in one
// transaction.
func (s *RedisStore) SetCache(ctx context.Context, hash string, entry Entry, tags []string) bool {
	tags = cleanTags(tags)
	s.emit(Event{Operation: "set", Phase: PhaseBefore, Hash: hash, Tags: tags})
	cmds, err := s.setCommands(ctx, hash, entry, tags)
	if err == nil {
		err = s.exec(ctx, cmds)
	}
	return s.done("set", hash, tags, err)
}

// DeleteCache removes the entry from every tag set and deletes it. Redis drops
// sets that become empty.
func (s *RedisStore) DeleteCache(ctx context.Context, hash string) bool {
	s.emit(Event{Operation: "delete", Phase: PhaseBefore, Hash: hash})
	cmds, tags, err := s.deleteCommands(ctx, hash)
	if err == nil {
		err = s.exec(ctx, cmds)
	}
	return s.done("delete", hash, tags, err)
}

func (s *RedisStore) Lock(ctx context.Context, hash string) bool {
	c := s.client
	err := c.Do(ctx, c.B().Set().Key(s.keys.Lock(hash)).Value("1").Nx().Px(s.lockTTL).Build()).Error()
	if valkey.IsValkeyNil(err) {
		err = errSkipped
	}
	return s.done("lock", hash, nil, err)
}

func (s *RedisStore) Unlock(ctx context.Context, hash string) bool {
	c := s.client
	err := c.Do(ctx, c.B().Del().Key(s.keys.Lock(hash)).Build()).Error()
	return s.done("unlock", hash, nil, err)
}

// PerformCache writes or deletes the entry and releases its lock in the same
// transaction.
func (s *RedisStore) PerformCache(ctx context.Context, hash string, entry Entry, tags []string, cache bool) bool {
	var (
		cmds []valkey.Completed
		err  error
	)
	if cache {
		tags = cleanTags(tags)
		s.emit(Event{Operation: "set", Phase: PhaseBefore, Hash: hash, Tags: tags})
		cmds, err = s.setCommands(ctx, hash, entry, tags)
	} else {
		s.emit(Event{Operation: "delete", Phase: PhaseBefore, Hash: hash})
		cmds, tags, err = s.deleteCommands(ctx, hash)
	}
	if err == nil {
		cmds = append(cmds, s.client.B().Del().Key(s.keys.Lock(hash)).Build())
		err = s.exec(ctx, cmds)
	}
	if err != nil {
		// The lock must not outlive a failed write.
		s.Unlock(ctx, hash)
	}
	op := "delete"
	if cache {
		op = "set"
	}
	return s.done(op, hash, tags, err)
}

// GetCacheKeysByTag returns the entry hashes carrying tag. A glob tag unions
// the members of every matching tag.
func (s *RedisStore) GetCacheKeysByTag(ctx context.Context, tag string) []string {
	hashes, err := s.keysByTag(ctx, tag)
	s.done("tag_lookup", "", []string{tag}, err)
	return hashes
}

func (s *RedisStore) keysByTag(ctx context.Context, tag string) ([]string, error) {
	tagKeys := []string{s.keys.Tag(tag)}
	if IsPattern(tag) {
		var err error
		tagKeys, err = s.scan(ctx, s.keys.Tag(tag))
		if err != nil {
			return nil, err
		}
	}
	if len(tagKeys) == 0 {
		return nil, nil
	}
	c := s.client
	cmds := make([]valkey.Completed, 0, len(tagKeys))
	for _, key := range tagKeys {
		cmds = append(cmds, c.B().Smembers().Key(key).Build())
	}
	var members []string
	for _, resp := range c.DoMulti(ctx, cmds...) {
		list, err := resp.AsStrSlice()
		if err != nil {
			return nil, err
		}
		members = append(members, list...)
	}
	return uniqueSorted(members), nil
}

// ClearCacheByTags deletes every entry tagged with a tag in remove and expires
// every unlocked entry tagged with a tag in expire by moving its update time
// back by ttl.
func (s *RedisStore) ClearCacheByTags(ctx context.Context, expire, remove []string, ttl time.Duration) ClearResult {
	var result ClearResult
	touched := make(map[string]struct{})
	for _, tag := range uniqueSorted(remove) {
		hashes, err := s.keysByTag(ctx, tag)
		if err != nil {
			s.done("clear", "", []string{tag}, err)
			continue
		}
		for _, hash := range hashes {
			if _, ok := touched[hash]; ok {
				continue
			}
			touched[hash] = struct{}{}
			if s.DeleteCache(ctx, hash) {
				result.Deleted++
			}
		}
	}
	for _, tag := range uniqueSorted(expire) {
		hashes, err := s.keysByTag(ctx, tag)
		if err != nil {
			s.done("clear", "", []string{tag}, err)
			continue
		}
		for _, hash := range hashes {
			if _, ok := touched[hash]; ok {
				continue
			}
			touched[hash] = struct{}{}
			if s.expireEntry(ctx, hash, ttl) {
				result.Expired++
			}
		}
	}
	s.done("clear", "", append(uniqueSorted(remove), uniqueSorted(expire)...), nil)
	return result
}

// expireEntry rewrites the update time under WATCH so a concurrent write or
// lock acquisition aborts the rewrite.
func (s *RedisStore) expireEntry(ctx context.Context, hash string, ttl time.Duration) bool {
	entryKey, lockKey := s.keys.Entry(hash), s.keys.Lock(hash)
	err := s.client.Dedicated(func(dc valkey.DedicatedClient) error {
		if err := dc.Do(ctx, dc.B().Watch().Key(entryKey, lockKey).Build()).Error(); err != nil {
			return err
		}
		unwatch := func(err error) error {
			dc.Do(ctx, dc.B().Unwatch().Build())
			return err
		}
		resps := dc.DoMulti(ctx,
			dc.B().Exists().Key(lockKey).Build(),
			dc.B().Hget().Key(entryKey).Field(dataField).Build(),
		)
		locked, err := resps[0].AsInt64()
		if err != nil {
			return unwatch(err)
		}
		if locked > 0 {
			return unwatch(errSkipped)
		}
		raw, err := resps[1].ToString()
		if valkey.IsValkeyNil(err) {
			return unwatch(errSkipped)
		}
		if err != nil {
			return unwatch(err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return unwatch(errSkipped)
		}
		shift := ttl
		if own := time.Duration(entry.TTL) * time.Second; own > shift {
			shift = own
		}
		entry.UpdatedAt -= int64((shift + time.Second - 1) / time.Second)
		payload, err := json.Marshal(entry)
		if err != nil {
			return unwatch(err)
		}
		results := dc.DoMulti(ctx,
			dc.B().Multi().Build(),
			dc.B().Hset().Key(entryKey).FieldValue().FieldValue(dataField, string(payload)).Build(),
			dc.B().Exec().Build(),
		)
		exec := results[len(results)-1]
		if err := exec.Error(); err != nil {
			if valkey.IsValkeyNil(err) {
				return errSkipped
			}
			return err
		}
		return nil
	})
	return s.done("expire", hash, nil, err)
}

// CleanupOrphanedTagMembers removes tag members whose entry no longer exists.
// It returns the number of members removed.
func (s *RedisStore) CleanupOrphanedTagMembers(ctx context.Context) int {
	tagKeys, err := s.scan(ctx, s.keys.Tag("*"))
	if err != nil {
		s.done("cleanup", "", nil, err)
		return 0
	}
	c := s.client
	removed := 0
	for _, tagKey := range tagKeys {
		members, err := c.Do(ctx, c.B().Smembers().Key(tagKey).Build()).AsStrSlice()
		if err != nil {
			s.done("cleanup", "", nil, err)
			continue
		}
		if len(members) == 0 {
			continue
		}
		checks := make([]valkey.Completed, 0, len(members))
		for _, hash := range members {
			checks = append(checks, c.B().Exists().Key(s.keys.Entry(hash)).Build())
		}
		var orphans []string
		for i, resp := range c.DoMulti(ctx, checks...) {
			n, err := resp.AsInt64()
			if err != nil {
				continue
			}
			if n == 0 {
				orphans = append(orphans, members[i])
			}
		}
		if len(orphans) == 0 {
			continue
		}
		n, err := c.Do(ctx, c.B().Srem().Key(tagKey).Member(orphans...).Build()).AsInt64()
		if err != nil {
			s.done("cleanup", "", nil, err)
			continue
		}
		removed += int(n)
	}
	s.done("cleanup", "", nil, nil)
	if removed > 0 {
		s.logger.Info("removed orphaned tag members", slog.Int("count", removed))
	}
	return removed
}

// SizeSummary counts entries (all, or those carrying tag) and sums the memory
// Redis reports for them. Servers without MEMORY USAGE report a zero size.
func (s *RedisStore) SizeSummary(ctx context.Context, tag string) Size {
	var hashes []string
	if tag == "" {
		keys, err := s.scan(ctx, s.keys.EntryPattern())
		if err != nil {
			s.done("size", "", nil, err)
			return Size{}
		}
		for _, key := range keys {
			if hash, ok := s.keys.HashFromEntry(key); ok {
				hashes = append(hashes, hash)
			}
		}
	} else {
		var err error
		hashes, err = s.keysByTag(ctx, tag)
		if err != nil {
			s.done("size", "", []string{tag}, err)
			return Size{}
		}
	}
	if len(hashes) == 0 {
		return Size{}
	}
	c := s.client
	cmds := make([]valkey.Completed, 0, len(hashes))
	for _, hash := range hashes {
		cmds = append(cmds, c.B().MemoryUsage().Key(s.keys.Entry(hash)).Build())
	}
	var bytes int64
	for _, resp := range c.DoMulti(ctx, cmds...) {
		n, err := resp.AsInt64()
		if err != nil {
			continue
		}
		bytes += n
	}
	s.done("size", "", nil, nil)
	return Size{Count: len(hashes), SizeKB: (bytes + 1023) / 1024}
}

func (s *RedisStore) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

func (s *RedisStore) setCommands(ctx context.Context, hash string, entry Entry, tags []string) ([]valkey.Completed, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("storage: encode entry: %w", err)
	}
	previous, err := s.entryTags(ctx, hash)
	if err != nil {
		return nil, err
	}
	c := s.client
	entryKey := s.keys.Entry(hash)
	hset := c.B().Hset().Key(entryKey).FieldValue().FieldValue(dataField, string(payload))
	for _, tag := range tags {
		hset = hset.FieldValue(tag, "")
	}
	cmds := []valkey.Completed{
		c.B().Del().Key(entryKey).Build(),
		hset.Build(),
	}
	if ttl := s.entryMaxTTL(entry); ttl > 0 {
		cmds = append(cmds, c.B().Expire().Key(entryKey).Seconds(int64(ttl/time.Second)).Build())
	}
	for _, tag := range tags {
		cmds = append(cmds, c.B().Sadd().Key(s.keys.Tag(tag)).Member(hash).Build())
	}
	for _, tag := range previous {
		if !slices.Contains(tags, tag) {
			cmds = append(cmds, c.B().Srem().Key(s.keys.Tag(tag)).Member(hash).Build())
		}
	}
	return cmds, nil
}

func (s *RedisStore) deleteCommands(ctx context.Context, hash string) ([]valkey.Completed, []string, error) {
	tags, err := s.entryTags(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	c := s.client
	cmds := make([]valkey.Completed, 0, len(tags)+1)
	for _, tag := range tags {
		cmds = append(cmds, c.B().Srem().Key(s.keys.Tag(tag)).Member(hash).Build())
	}
	cmds = append(cmds, c.B().Del().Key(s.keys.Entry(hash)).Build())
	return cmds, tags, nil
}

func (s *RedisStore) entryTags(ctx context.Context, hash string) ([]string, error) {
	c := s.client
	fields, err := c.Do(ctx, c.B().Hkeys().Key(s.keys.Entry(hash)).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}
	tags := fields[:0]
	for _, field := range fields {
		if field != dataField {
			tags = append(tags, field)
		}
	}
	return tags, nil
}

func (s *RedisStore) entryMaxTTL(entry Entry) time.Duration {
	if entry.MaxTTL > 0 {
		return time.Duration(entry.MaxTTL) * time.Second
	}
	return s.maxTTL
}

// exec runs cmds inside MULTI/EXEC on a dedicated connection.
func (s *RedisStore) exec(ctx context.Context, cmds []valkey.Completed) error {
	return s.client.Dedicated(func(dc valkey.DedicatedClient) error {
		batch := make([]valkey.Completed, 0, len(cmds)+2)
		batch = append(batch, dc.B().Multi().Build())
		batch = append(batch, cmds...)
		batch = append(batch, dc.B().Exec().Build())
		resps := dc.DoMulti(ctx, batch...)
		for _, resp := range resps {
			if err := resp.Error(); err != nil {
				return err
			}
		}
		results, err := resps[len(resps)-1].ToArray()
		if err != nil {
			return err
		}
		for _, result := range results {
			if err := result.Error(); err != nil && !valkey.IsValkeyNil(err) {
				return err
			}
		}
		return nil
	})
}

func (s *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	c := s.client
	var (
		cursor uint64
		keys   []string
	)
	for {
		entry, err := c.Do(ctx, c.B().Scan().Cursor(cursor).Match(match).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		if entry.Cursor == 0 {
			break
		}
		cursor = entry.Cursor
	}
	return uniqueSorted(keys), nil
}

// cleanTags drops empty tags and the reserved data field name.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range uniqueSorted(tags) {
		if tag == dataField {
			continue
		}
		out = append(out, tag)
	}
	return out
}
