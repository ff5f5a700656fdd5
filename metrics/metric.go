// Package metrics implements the periodic metrics harvest: RawMetric
// implementations accumulate counts in-process, an Aggregator collects
// them under a shared tag set, and a Pusher periodically snapshots and
// publishes the result.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Sample is one harvested (name, value, tags) observation.
type Sample struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// RawMetric yields its current samples on demand.
type RawMetric interface {
	Samples() []Sample
}

// Counter is a simple monotonic accumulator reported as a single sample.
type Counter struct {
	name string
	tags map[string]string

	mu    sync.Mutex
	value float64
}

// NewCounter returns a zeroed Counter.
func NewCounter(name string, tags map[string]string) *Counter {
	return &Counter{name: name, tags: tags}
}

// Add increments the counter by delta (negative deltas are allowed, same
// as the source's "+=").
func (c *Counter) Add(delta float64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

// Samples implements RawMetric.
func (c *Counter) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []Sample{{Name: c.name, Value: c.value, Tags: c.tags}}
}

// TaggedCounter tracks one independent count per distinct tag set, e.g.
// request counts broken down by subject.
type TaggedCounter struct {
	name     string
	baseTags map[string]string

	mu     sync.Mutex
	counts map[string]float64
	tagsOf map[string]map[string]string
}

// NewTaggedCounter returns an empty TaggedCounter; baseTags are merged
// into every Incr call's tags.
func NewTaggedCounter(name string, baseTags map[string]string) *TaggedCounter {
	return &TaggedCounter{
		name:     name,
		baseTags: baseTags,
		counts:   make(map[string]float64),
		tagsOf:   make(map[string]map[string]string),
	}
}

// Incr adds delta to the count for tags (merged with the counter's base
// tags).
func (c *TaggedCounter) Incr(delta float64, tags map[string]string) {
	merged := mergeTags(c.baseTags, tags)
	key := tagKey(merged)
	c.mu.Lock()
	c.counts[key] += delta
	c.tagsOf[key] = merged
	c.mu.Unlock()
}

// Samples implements RawMetric, yielding one sample per distinct tag set
// seen so far.
func (c *TaggedCounter) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, 0, len(c.counts))
	for key, value := range c.counts {
		out = append(out, Sample{Name: c.name, Value: value, Tags: c.tagsOf[key]})
	}
	return out
}

// Hook adapts the counter to rpc.Server.OnRequest's func(subject string)
// signature, incrementing once per inbound request tagged by subject.
func (c *TaggedCounter) Hook() func(subject string) {
	return func(subject string) { c.Incr(1, map[string]string{"subject": subject}) }
}

func mergeTags(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func tagKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte(';')
	}
	return b.String()
}
