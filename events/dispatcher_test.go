package events

import "testing"

func matchNames(d *Dispatcher, evtType string) map[string]bool {
	names := make(map[string]bool)
	for _, h := range d.Match(evtType) {
		names[h.QueueName] = true
	}
	return names
}

func TestDispatcherWildcardScenario(t *testing.T) {
	d := NewDispatcher()
	register := func(name, pattern string) {
		h, err := NewHandler(name, []string{pattern}, func(*Event) {})
		if err != nil {
			t.Fatalf("NewHandler(%q): %v", name, err)
		}
		d.Register(pattern, h)
	}
	register("foo", "foo")
	register("hash", "#")
	register("star", "*")
	register("foo.star", "foo.*")
	register("foo.hash", "foo.#")

	cases := []struct {
		evtType string
		want    []string
	}{
		{"foo", []string{"foo", "hash", "star"}},
		{"foo.bar", []string{"hash", "foo.star", "foo.hash"}},
		{"foo.bar.baz", []string{"hash", "foo.hash"}},
		{"", []string{"hash"}},
	}
	for _, c := range cases {
		got := matchNames(d, c.evtType)
		if len(got) != len(c.want) {
			t.Fatalf("%q: expect %v, got %v", c.evtType, c.want, got)
		}
		for _, name := range c.want {
			if !got[name] {
				t.Fatalf("%q: expect match %q, got %v", c.evtType, name, got)
			}
		}
	}
}

func TestDispatcherInvokesHandlerOnceAcrossPatterns(t *testing.T) {
	d := NewDispatcher()
	h, err := NewHandler("both", []string{"foo.bar", "foo.*"}, func(*Event) {})
	if err != nil {
		t.Fatal(err)
	}
	d.Register("foo.bar", h)
	d.Register("foo.*", h)

	matched := d.Match("foo.bar")
	if len(matched) != 1 {
		t.Fatalf("expect handler matched once, got %d", len(matched))
	}
}

func TestDispatcherUnregisterRemovesAllBindings(t *testing.T) {
	d := NewDispatcher()
	h, err := NewHandler("h", []string{"foo", "bar"}, func(*Event) {})
	if err != nil {
		t.Fatal(err)
	}
	d.Register("foo", h)
	d.Register("bar", h)
	d.Unregister(h)

	if len(d.Match("foo")) != 0 || len(d.Match("bar")) != 0 {
		t.Fatal("expect no matches after unregister")
	}
}

func TestNewHandlerRejectsOnceAndBroadcast(t *testing.T) {
	_, err := NewHandler("h", []string{"foo"}, func(*Event) {}, Once(), Broadcast())
	if err == nil {
		t.Fatal("expect error for once+broadcast")
	}
}

func TestNewHandlerRejectsEmptyPatterns(t *testing.T) {
	_, err := NewHandler("h", nil, func(*Event) {})
	if err == nil {
		t.Fatal("expect error for no patterns")
	}
}
