package engine

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/millipress/millicache/internal/request"
	"github.com/millipress/millicache/internal/rules"
)

// RequestState is owned by a single request (or its background
// regeneration). Host code reaches it through the request context.
type RequestState struct {
	// Hash is the cache key, empty until the request has been fingerprinted.
	Hash    string
	URLHash string
	Site    string

	mu      sync.Mutex
	tags    []string
	content map[string]any
	expire  []string
	remove  []string

	fingerprint *request.Fingerprint
	// rules is the set the request started with; reloads do not reach it.
	rules      *rules.Set
	locked     bool
	background bool
}

type stateKey struct{}

func withState(ctx context.Context, s *RequestState) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFromContext returns the request state installed by the middleware.
func StateFromContext(ctx context.Context) (*RequestState, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(stateKey{}).(*RequestState)
	return s, ok && s != nil
}

func (s *RequestState) addTags(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" && !slices.Contains(s.tags, tag) {
			s.tags = append(s.tags, tag)
		}
	}
}

// Tags returns the tags accumulated so far.
func (s *RequestState) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags)
}

func (s *RequestState) setContent(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		s.content = make(map[string]any)
	}
	s.content[key] = value
}

func (s *RequestState) mergeContent(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		s.content = make(map[string]any)
	}
	maps.Copy(s.content, doc)
}

func (s *RequestState) contentSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.content)
}

func (s *RequestState) enqueue(expire bool, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if expire {
			if !slices.Contains(s.expire, tag) {
				s.expire = append(s.expire, tag)
			}
			continue
		}
		if !slices.Contains(s.remove, tag) {
			s.remove = append(s.remove, tag)
		}
	}
}

// drain empties the pending invalidations and returns them.
func (s *RequestState) drain() (expire, remove []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expire, remove = s.expire, s.remove
	s.expire, s.remove = nil, nil
	return expire, remove
}
