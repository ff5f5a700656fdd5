package events

import (
	"regexp"
	"strings"
	"sync"
)

// wildcards maps a pattern word to the regex fragment it compiles to: "*"
// matches exactly one dotted word, "#" matches zero or more.
var wildcards = map[string]string{
	"#": `[\w.]*`,
	"*": `\w+`,
}

type binding struct {
	regex   *regexp.Regexp
	pattern string
	handler *Handler
}

// Dispatcher matches an event type against a set of registered wildcard
// patterns. A handler bound under more than one matching pattern is still
// returned only once per Match call, so a single emit never invokes it
// twice.
type Dispatcher struct {
	mu       sync.Mutex
	bindings []binding
}

// NewDispatcher returns an empty pattern dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func compilePattern(pattern string) *regexp.Regexp {
	words := strings.Split(pattern, ".")
	frags := make([]string, len(words))
	for i, w := range words {
		if frag, ok := wildcards[w]; ok {
			frags[i] = frag
		} else {
			frags[i] = regexp.QuoteMeta(w)
		}
	}
	return regexp.MustCompile("^" + strings.Join(frags, `\.`) + "$")
}

// Register binds handler to pattern.
func (d *Dispatcher) Register(pattern string, handler *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{regex: compilePattern(pattern), pattern: pattern, handler: handler})
}

// Unregister removes every binding for handler.
func (d *Dispatcher) Unregister(handler *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.bindings[:0]
	for _, b := range d.bindings {
		if b.handler != handler {
			kept = append(kept, b)
		}
	}
	d.bindings = kept
}

// Match returns the distinct handlers whose patterns match evtType, in
// registration order.
func (d *Dispatcher) Match(evtType string) []*Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[*Handler]bool, len(d.bindings))
	var out []*Handler
	for _, b := range d.bindings {
		if seen[b.handler] || !b.regex.MatchString(evtType) {
			continue
		}
		seen[b.handler] = true
		out = append(out, b.handler)
	}
	return out
}
