package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coreos/go-semver/semver"

	"github.com/lattice-mesh/lattice/connection"
	"github.com/lattice-mesh/lattice/trace"
)

type fakeConnector struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
}

func (c *fakeConnector) Connect(endpoint string) *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, endpoint)
	return nil
}

func (c *fakeConnector) Disconnect(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, endpoint)
}

func TestServiceUpdateEmitsAddedThenUpdated(t *testing.T) {
	var events []ChangeKind
	s := New("echo", &fakeConnector{})
	s.Observe(ObserverFunc(func(kind ChangeKind, serviceType string, instance *ServiceInstance) {
		events = append(events, kind)
	}))

	s.Update("inst-1", "tcp://127.0.0.1:9000", nil, nil)
	s.Update("inst-1", "tcp://127.0.0.1:9001", nil, nil)

	if len(events) != 2 || events[0] != Added || events[1] != Updated {
		t.Fatalf("expected [Added, Updated], got %v", events)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 instance, got %d", s.Len())
	}
}

func TestServiceRemoveEmitsRemovedAndDisconnects(t *testing.T) {
	connector := &fakeConnector{}
	s := New("echo", connector)
	s.Update("inst-1", "tcp://127.0.0.1:9000", nil, nil)

	var gotKind ChangeKind
	s.Observe(ObserverFunc(func(kind ChangeKind, serviceType string, instance *ServiceInstance) {
		gotKind = kind
	}))
	s.Remove("inst-1")

	if gotKind != Removed {
		t.Fatalf("expected Removed, got %v", gotKind)
	}
	if s.Len() != 0 {
		t.Fatalf("expected 0 instances after remove, got %d", s.Len())
	}
}

func TestServiceConnectReturnsNotConnectedWhenEmpty(t *testing.T) {
	s := New("echo", &fakeConnector{})
	if _, err := s.Connect(); err == nil {
		t.Fatalf("expected an error connecting to a service with no instances")
	}
}

func TestServiceFilterVersion(t *testing.T) {
	s := New("echo", &fakeConnector{})
	s.Update("v1", "tcp://a:9000", semver.New("1.0.0"), nil)
	s.Update("v1-patched", "tcp://b:9000", semver.New("1.2.0"), nil)
	s.Update("v2", "tcp://c:9000", semver.New("2.0.0"), nil)

	requested := semver.New("1.0.0")
	matches := s.FilterVersion(requested)
	if len(matches) != 2 {
		t.Fatalf("expected 2 instances compatible with 1.0.0, got %d", len(matches))
	}
	for _, inst := range matches {
		if inst.Version.Major != 1 {
			t.Fatalf("filter leaked a major-version-2 instance: %+v", inst)
		}
	}
}

func TestServiceConnectRespectsRequiredVersion(t *testing.T) {
	s := New("foo", &fakeConnector{})
	s.Update("v1.1", "tcp://a:9000", semver.New("1.1.0"), nil)
	s.Update("v1.5", "tcp://b:9000", semver.New("1.5.0"), nil)
	s.Update("v2.1", "tcp://c:9000", semver.New("2.1.0"), nil)

	s.RequireVersion(semver.New("1.2.0"))
	picked := connectIdentity(t, s)
	if picked != "v1.5" {
		t.Fatalf("request 1.2 should resolve to v1.5, got %s", picked)
	}

	s.RequireVersion(semver.New("1.7.0"))
	if _, err := s.Connect(); err == nil {
		t.Fatal("request 1.7 should fail with NotConnected, no instance satisfies it")
	}

	s.RequireVersion(semver.New("2.0.0"))
	picked = connectIdentity(t, s)
	if picked != "v2.1" {
		t.Fatalf("request 2.0 should resolve to v2.1, got %s", picked)
	}
}

func connectIdentity(t *testing.T, s *Service) string {
	t.Helper()
	var got string
	s.SetBalancer(func(instances []*ServiceInstance) (*ServiceInstance, error) {
		if len(instances) != 1 {
			t.Fatalf("expect exactly one version-compatible instance, got %d", len(instances))
		}
		got = instances[0].Identity
		return instances[0], nil
	})
	defer s.SetBalancer(nil)
	if _, err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	return got
}

type deadConnector struct {
	group *trace.Group
}

func (c *deadConnector) Connect(endpoint string) *connection.Connection {
	conn := connection.New(c.group, failingPinger{}, noopDisconnector{}, endpoint, connection.Options{}, nil)
	conn.Close()
	return conn
}

func (c *deadConnector) Disconnect(endpoint string) {}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context, endpoint string) error {
	return errors.New("unreachable")
}

type noopDisconnector struct{}

func (noopDisconnector) Disconnect(endpoint string) {}

func TestServiceConnectFailsWhenEveryInstanceIsDead(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(0)
	connector := &deadConnector{group: group}

	s := New("echo", connector)
	s.Update("inst-1", "tcp://127.0.0.1:9000", nil, nil)
	s.Update("inst-2", "tcp://127.0.0.1:9001", nil, nil)
	for _, inst := range s.Instances() {
		inst.Connect()
	}

	if _, err := s.Connect(); err == nil {
		t.Fatal("expect NotConnected when every tracked instance is dead, not a fallback to a dead one")
	}
}

func TestServiceConnectUsesInstalledBalancer(t *testing.T) {
	s := New("echo", &fakeConnector{})
	s.Update("inst-1", "tcp://127.0.0.1:9000", nil, nil)
	s.Update("inst-2", "tcp://127.0.0.1:9001", nil, nil)

	var picked []*ServiceInstance
	s.SetBalancer(func(instances []*ServiceInstance) (*ServiceInstance, error) {
		picked = instances
		for _, inst := range instances {
			if inst.Identity == "inst-2" {
				return inst, nil
			}
		}
		return instances[0], nil
	})

	if _, err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if len(picked) != 2 {
		t.Fatalf("expected balancer to see both instances, got %d", len(picked))
	}
}

func TestParseVersionedName(t *testing.T) {
	name, v := ParseVersionedName("echo@1.2.3")
	if name != "echo" || v == nil || v.String() != "1.2.3" {
		t.Fatalf("ParseVersionedName(echo@1.2.3) = (%q, %v)", name, v)
	}
	name, v = ParseVersionedName("echo")
	if name != "echo" || v != nil {
		t.Fatalf("ParseVersionedName(echo) = (%q, %v), want (echo, nil)", name, v)
	}
}
