package cleanup

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/restbackend"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeBackend struct {
	entries     map[string][]restbackend.Entry
	deleted     []string
	reloadCalls int
	deleteErr   error
}

func (f *fakeBackend) ListAll(ctx context.Context, forceRefresh bool) (map[string][]restbackend.Entry, error) {
	return f.entries, nil
}

func (f *fakeBackend) DeleteUUID(ctx context.Context, uuid, hostname, domain, ip string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.deleted = append(f.deleted, uuid)
	return true, nil
}

func (f *fakeBackend) Reload(ctx context.Context) (bool, error) {
	f.reloadCalls++
	return true, nil
}

func TestRunRemovesDuplicatesKeepingCanonical(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u2", Domain: "docker.local", Server: "10.0.0.99", Description: "dockmon-agent"},
			},
		},
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent"}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "u2" {
		t.Errorf("expected u2 deleted, got %v", backend.deleted)
	}
	if backend.reloadCalls != 1 {
		t.Errorf("expected one reload, got %d", backend.reloadCalls)
	}
}

// TestRunKeepsOnlyFirstEntryMatchingCanonicalIP mirrors the spec's worked
// example: u1 and u2 both carry the canonical IP, u3 carries a stale one.
// Only u1 (the first canonical match) survives; u2's duplicate of the same
// IP must still be deleted alongside u3.
func TestRunKeepsOnlyFirstEntryMatchingCanonicalIP(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u2", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u3", Domain: "docker.local", Server: "10.0.0.9", Description: "dockmon-agent"},
			},
		},
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent"}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed (u2 and u3), got %d", removed)
	}
	deletedSet := map[string]bool{}
	for _, uuid := range backend.deleted {
		deletedSet[uuid] = true
	}
	if !deletedSet["u2"] || !deletedSet["u3"] || deletedSet["u1"] {
		t.Errorf("expected u2 and u3 deleted and u1 kept, got %v", backend.deleted)
	}
}

func TestRunSkipsEntriesWithUnknownOriginTag(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u2", Domain: "docker.local", Server: "10.0.0.99", Description: "hand-authored"},
			},
		},
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent"}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed since duplicate isn't ours, got %d", removed)
	}
	if len(backend.deleted) != 0 {
		t.Errorf("expected no deletes, got %v", backend.deleted)
	}
	if backend.reloadCalls != 0 {
		t.Errorf("expected no reload when nothing removed, got %d", backend.reloadCalls)
	}
}

func TestRunIgnoresNonDuplicateGroups(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
			},
		},
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent"}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed for a singleton group, got %d", removed)
	}
}

func TestRunCapsGroupsAtMaxHostnames(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u2", Domain: "docker.local", Server: "10.0.0.90", Description: "dockmon-agent"},
				{UUID: "u3", Domain: "docker.local", Server: "10.0.0.91", Description: "dockmon-agent"},
			},
			"db": {
				{UUID: "u4", Domain: "docker.local", Server: "10.0.0.3", Description: "dockmon-agent"},
				{UUID: "u5", Domain: "docker.local", Server: "10.0.0.80", Description: "dockmon-agent"},
			},
		},
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent", MaxHostnames: 1}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected only the larger group (web, 2 dupes) processed, got %d removed", removed)
	}
}

func TestRunBatchesDeletesAndReloadsOncePerBatch(t *testing.T) {
	entries := make([]restbackend.Entry, 0, 6)
	entries = append(entries, restbackend.Entry{UUID: "canonical", Domain: "docker.local", Server: "10.0.0.1", Description: "dockmon-agent"})
	for i := 0; i < 5; i++ {
		entries = append(entries, restbackend.Entry{
			UUID:        string(rune('a' + i)),
			Domain:      "docker.local",
			Server:      "10.0.0.2",
			Description: "dockmon-agent",
		})
	}
	backend := &fakeBackend{entries: map[string][]restbackend.Entry{"web": entries}}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent", BatchSize: 2}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 removed, got %d", removed)
	}
	if backend.reloadCalls != 3 {
		t.Errorf("expected 3 reloads for 5 deletes at batch size 2, got %d", backend.reloadCalls)
	}
}

func TestRunContinuesPastIndividualDeleteErrors(t *testing.T) {
	backend := &fakeBackend{
		entries: map[string][]restbackend.Entry{
			"web": {
				{UUID: "u1", Domain: "docker.local", Server: "10.0.0.2", Description: "dockmon-agent"},
				{UUID: "u2", Domain: "docker.local", Server: "10.0.0.99", Description: "dockmon-agent"},
			},
		},
		deleteErr: context.DeadlineExceeded,
	}
	sweeper := New(backend, Config{OriginTag: "dockmon-agent"}, nil, testLogger())

	removed, err := sweeper.Run(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed when delete errors, got %d", removed)
	}
}
