package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry is the persisted unit of the page cache.
type Entry struct {
	Output    []byte          `json:"output"`
	Headers   []string        `json:"headers"`
	Status    int             `json:"status"`
	Gzipped   bool            `json:"gzip"`
	UpdatedAt int64           `json:"updated"`
	TTL       int64           `json:"ttl,omitempty"`
	MaxTTL    int64           `json:"max_ttl,omitempty"`
	Debug     json.RawMessage `json:"debug,omitempty"`
}

// Updated returns UpdatedAt as a time.
func (e Entry) Updated() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}

var errMalformed = errors.New("storage: malformed entry")

func decodeEntry(raw string) (Entry, error) {
	if strings.TrimSpace(raw) == "" {
		return Entry{}, errMalformed
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if entry.UpdatedAt <= 0 || entry.Status <= 0 {
		return Entry{}, fmt.Errorf("%w: missing required fields", errMalformed)
	}
	return entry, nil
}

// Lookup is the result of a cache read.
type Lookup struct {
	Entry  Entry
	Tags   []string
	Locked bool
}

// ClearResult counts the entries touched by a tag invalidation.
type ClearResult struct {
	Expired int
	Deleted int
}

// Size summarizes stored entries.
type Size struct {
	Count  int   `json:"count"`
	SizeKB int64 `json:"size_kb"`
}

// Store is the cache backend protocol. Backend failures never surface as
// errors: every method logs and returns a benign value instead.
type Store interface {
	IsAvailable() bool
	GetCache(ctx context.Context, hash string) (Lookup, bool)
	SetCache(ctx context.Context, hash string, entry Entry, tags []string) bool
	DeleteCache(ctx context.Context, hash string) bool
	Lock(ctx context.Context, hash string) bool
	Unlock(ctx context.Context, hash string) bool
	PerformCache(ctx context.Context, hash string, entry Entry, tags []string, cache bool) bool
	GetCacheKeysByTag(ctx context.Context, tag string) []string
	ClearCacheByTags(ctx context.Context, expire, remove []string, ttl time.Duration) ClearResult
	CleanupOrphanedTagMembers(ctx context.Context) int
	SizeSummary(ctx context.Context, tag string) Size
	Observe(fn Observer)
	Close()
}

// Phase distinguishes notifications emitted before and after a mutation.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Event describes a store operation. Before events are only emitted for set
// and delete; after events are emitted for every operation.
type Event struct {
	Operation string
	Phase     Phase
	Hash      string
	Tags      []string
	OK        bool
	Err       error
}

// Observer receives store events. Observers run synchronously and must not
// block.
type Observer func(Event)

// Keys renders the Redis key scheme.
type Keys struct {
	prefix string
}

// NewKeys returns the key scheme for prefix.
func NewKeys(prefix string) Keys {
	return Keys{prefix: strings.TrimSuffix(prefix, ":")}
}

func (k Keys) Entry(hash string) string { return k.prefix + ":c:" + hash }
func (k Keys) Lock(hash string) string  { return k.Entry(hash) + "-lock" }
func (k Keys) Tag(tag string) string    { return k.prefix + ":f:" + tag }

// EntryPattern matches every entry key, lock keys included.
func (k Keys) EntryPattern() string { return k.prefix + ":c:*" }

// HashFromEntry strips the entry prefix. ok is false for lock and foreign keys.
func (k Keys) HashFromEntry(key string) (string, bool) {
	hash, ok := strings.CutPrefix(key, k.prefix+":c:")
	if !ok || hash == "" || strings.HasSuffix(hash, "-lock") {
		return "", false
	}
	return hash, true
}

// TagFromKey strips the tag prefix.
func (k Keys) TagFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, k.prefix+":f:")
}

// IsPattern reports whether tag is a glob.
func IsPattern(tag string) bool {
	return strings.ContainsAny(tag, "*?")
}

// dataField holds the serialized entry inside the entry hash. Every other
// field is a tag marker.
const dataField = "data"

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
