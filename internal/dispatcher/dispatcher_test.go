package dispatcher

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeBackend struct {
	name        string
	mu          sync.Mutex
	added       []string
	removed     []string
	ops         []string
	reloadCount int
	failAdd     bool
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Add(hostname, domain, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return false, nil
	}
	f.added = append(f.added, hostname+"."+domain+"="+ip)
	f.ops = append(f.ops, "add:"+hostname+"."+domain)
	return true, nil
}

func (f *fakeBackend) Remove(hostname, domain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, hostname+"."+domain)
	f.ops = append(f.ops, "remove:"+hostname+"."+domain)
	return true, nil
}

func (f *fakeBackend) Reload(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloadCount++
	return true, nil
}

type fakeRESTBackend struct {
	mu        sync.Mutex
	additions []model.Record
	removals  []model.Record
}

func (f *fakeRESTBackend) BatchApply(ctx context.Context, additions, removals []model.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.additions = append(f.additions, additions...)
	f.removals = append(f.removals, removals...)
	return len(additions)+len(removals) > 0, nil
}

type fakeReplication struct {
	mu        sync.Mutex
	called    bool
	additions []model.Record
}

func (f *fakeReplication) Replicate(ctx context.Context, additions, removals []model.Record) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.additions = append(f.additions, additions...)
	return nil
}

func TestDeriveDomainsAlwaysIncludesBase(t *testing.T) {
	d := New(Config{BaseDomain: "docker.local"}, nil, nil, nil, nil, testLogger())
	got := d.DeriveDomains("bridge", "10.0.0.2")
	if len(got) != 1 || got[0] != "docker.local" {
		t.Errorf("expected only base domain for bridge network, got %v", got)
	}
}

func TestDeriveDomainsAddsNetworkSubdomain(t *testing.T) {
	d := New(Config{BaseDomain: "docker.local"}, nil, nil, nil, nil, testLogger())
	got := d.DeriveDomains("frontend_net", "10.1.0.2")
	want := []string{"docker.local", "frontend.docker.local"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestDeriveDomainsAddsFlannelSubdomainWhenInCIDR(t *testing.T) {
	d := New(Config{BaseDomain: "docker.local", FlannelCIDR: "10.244.0.0/16"}, nil, nil, nil, nil, testLogger())
	got := d.DeriveDomains("bridge", "10.244.1.5")

	var hasFlannel bool
	for _, dom := range got {
		if dom == "flannel.docker.local" {
			hasFlannel = true
		}
	}
	if !hasFlannel {
		t.Errorf("expected flannel subdomain for ip in overlay cidr, got %v", got)
	}
}

func TestIsCriticalMatchesConfiguredPrefixes(t *testing.T) {
	d := New(Config{BaseDomain: "docker.local", CriticalPrefixes: []string{"traefik"}}, nil, nil, nil, nil, testLogger())
	if !d.IsCritical("traefik-proxy-1") {
		t.Errorf("expected traefik-prefixed container to be critical")
	}
	if d.IsCritical("web") {
		t.Errorf("expected web not to be critical")
	}
}

func TestApplyBatchRemovesBeforeAddingAndReloadsOnce(t *testing.T) {
	fb := &fakeBackend{name: "file"}
	d := New(Config{BaseDomain: "docker.local"}, []NonRESTBackend{fb}, nil, nil, nil, testLogger())

	additions := []model.Record{{Hostname: "web", Domain: "docker.local", IP: "10.0.0.2"}}
	removals := []model.Record{{Hostname: "old", Domain: "docker.local", IP: "10.0.0.9"}}

	committed := d.ApplyBatch(t.Context(), additions, removals)
	if !committed {
		t.Errorf("expected batch to report committed changes")
	}
	if fb.reloadCount != 1 {
		t.Errorf("expected exactly one reload, got %d", fb.reloadCount)
	}
	if len(fb.removed) != 1 || len(fb.added) != 1 {
		t.Errorf("expected one removal and one addition, got removed=%v added=%v", fb.removed, fb.added)
	}
	if len(fb.ops) != 2 || fb.ops[0] != "remove:old.docker.local" || fb.ops[1] != "add:web.docker.local" {
		t.Errorf("expected the removal to be applied before the addition, got %v", fb.ops)
	}
}

func TestApplyBatchRedispatchesCriticalRecordsToREST(t *testing.T) {
	fb := &fakeBackend{name: "file"}
	rest := &fakeRESTBackend{}
	d := New(Config{BaseDomain: "docker.local", CriticalPrefixes: []string{"traefik"}}, []NonRESTBackend{fb}, rest, nil, nil, testLogger())

	additions := []model.Record{
		{Hostname: "traefik", Domain: "docker.local", IP: "10.0.0.2"},
		{Hostname: "web", Domain: "docker.local", IP: "10.0.0.3"},
	}

	d.ApplyBatch(t.Context(), additions, nil)

	if len(rest.additions) != 1 || rest.additions[0].Hostname != "traefik" {
		t.Errorf("expected only traefik record redispatched to REST backend, got %v", rest.additions)
	}
}

func TestApplyBatchReplicatesWhenMaster(t *testing.T) {
	fb := &fakeBackend{name: "file"}
	repl := &fakeReplication{}
	d := New(Config{BaseDomain: "docker.local", IsMaster: true}, []NonRESTBackend{fb}, nil, repl, nil, testLogger())

	additions := []model.Record{{Hostname: "web", Domain: "docker.local", IP: "10.0.0.2"}}
	d.ApplyBatch(t.Context(), additions, nil)

	if !repl.called {
		t.Errorf("expected replication to be triggered when master")
	}
}

func TestApplyBatchSkipsReplicationWhenNotMaster(t *testing.T) {
	fb := &fakeBackend{name: "file"}
	repl := &fakeReplication{}
	d := New(Config{BaseDomain: "docker.local", IsMaster: false}, []NonRESTBackend{fb}, nil, repl, nil, testLogger())

	additions := []model.Record{{Hostname: "web", Domain: "docker.local", IP: "10.0.0.2"}}
	d.ApplyBatch(t.Context(), additions, nil)

	if repl.called {
		t.Errorf("expected no replication when not master")
	}
}
