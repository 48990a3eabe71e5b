package rules

import (
	"slices"
	"strings"
	"time"
)

// Decision accumulates the outcome of one stage. Stop actions set the cache
// verdict; trigger actions contribute tags, TTL overrides and invalidations.
type Decision struct {
	Stage Stage
	// Decided is true once a do_cache action ran.
	Decided     bool
	ShouldCache bool
	Reason      string
	Rule        string
	Stopped     bool

	Tags   []string
	TTL    time.Duration
	MaxTTL time.Duration
	Expire []string
	Delete []string

	// Matched lists the ids of rules whose conditions held, in evaluation
	// order.
	Matched []string
}

// Cacheable reports the verdict, treating an undecided stage as cacheable.
func (d *Decision) Cacheable() bool {
	if d == nil || !d.Decided {
		return true
	}
	return d.ShouldCache
}

// SetCache records a stop verdict. The evaluator fills in Rule.
func (d *Decision) SetCache(cache bool, reason string) {
	d.Decided = true
	d.ShouldCache = cache
	d.Reason = reason
}

// AddTag appends tag unless it is empty or already present.
func (d *Decision) AddTag(tag string) {
	d.Tags = appendTag(d.Tags, tag)
}

// AddExpire queues tags for expiry at the end of the request.
func (d *Decision) AddExpire(tags ...string) {
	for _, tag := range tags {
		d.Expire = appendTag(d.Expire, tag)
	}
}

// AddDelete queues tags for deletion at the end of the request.
func (d *Decision) AddDelete(tags ...string) {
	for _, tag := range tags {
		d.Delete = appendTag(d.Delete, tag)
	}
}

func appendTag(list []string, tag string) []string {
	tag = strings.TrimSpace(tag)
	if tag == "" || slices.Contains(list, tag) {
		return list
	}
	return append(list, tag)
}
