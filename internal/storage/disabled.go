package storage

import (
	"context"
	"time"
)

// Disabled stands in when the backend is unreachable. Reads miss and writes
// report failure so requests pass through uncached.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) IsAvailable() bool                                      { return false }
func (Disabled) GetCache(context.Context, string) (Lookup, bool)        { return Lookup{}, false }
func (Disabled) SetCache(context.Context, string, Entry, []string) bool { return false }
func (Disabled) DeleteCache(context.Context, string) bool               { return false }
func (Disabled) Lock(context.Context, string) bool                      { return false }
func (Disabled) Unlock(context.Context, string) bool                    { return false }
func (Disabled) GetCacheKeysByTag(context.Context, string) []string     { return nil }
func (Disabled) CleanupOrphanedTagMembers(context.Context) int          { return 0 }
func (Disabled) SizeSummary(context.Context, string) Size               { return Size{} }
func (Disabled) Observe(Observer)                                       {}
func (Disabled) Close()                                                 {}

func (Disabled) PerformCache(context.Context, string, Entry, []string, bool) bool {
	return false
}

func (Disabled) ClearCacheByTags(context.Context, []string, []string, time.Duration) ClearResult {
	return ClearResult{}
}
