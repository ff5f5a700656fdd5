package metrics

import "sync"

// Aggregator collects a fixed set of RawMetrics under a shared tag set
// (typically the container's service name and identity) and reports them as
// one flat sample list.
type Aggregator struct {
	tags map[string]string

	mu      sync.Mutex
	metrics []RawMetric
}

// NewAggregator returns an Aggregator that stamps every sample with tags.
func NewAggregator(tags map[string]string) *Aggregator {
	return &Aggregator{tags: tags}
}

// Add registers m with the aggregator and returns it, so construction and
// registration can be chained: c := agg.Add(NewCounter("requests", nil)).
func (a *Aggregator) Add(m RawMetric) RawMetric {
	a.mu.Lock()
	a.metrics = append(a.metrics, m)
	a.mu.Unlock()
	return m
}

// Samples harvests every registered metric, merging the aggregator's base
// tags into each sample's own tags.
func (a *Aggregator) Samples() []Sample {
	a.mu.Lock()
	metrics := make([]RawMetric, len(a.metrics))
	copy(metrics, a.metrics)
	a.mu.Unlock()

	var out []Sample
	for _, m := range metrics {
		for _, s := range m.Samples() {
			out = append(out, Sample{Name: s.Name, Value: s.Value, Tags: mergeTags(a.tags, s.Tags)})
		}
	}
	return out
}

// Snapshot implements interfaces.MetricsSource, rendering the harvest as
// the plain maps the get_metrics RPC method returns over the wire.
func (a *Aggregator) Snapshot() []map[string]interface{} {
	samples := a.Samples()
	out := make([]map[string]interface{}, 0, len(samples))
	for _, s := range samples {
		out = append(out, map[string]interface{}{
			"name":  s.Name,
			"value": s.Value,
			"tags":  s.Tags,
		})
	}
	return out
}

// NewRequestCounter builds a TaggedCounter meant to be wired into
// rpc.Server.OnRequest via its Hook method, so the aggregator tracks
// inbound request volume per subject without rpc importing metrics.
func NewRequestCounter(name string) *TaggedCounter {
	return NewTaggedCounter(name, nil)
}
