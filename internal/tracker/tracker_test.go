package tracker

import (
	"testing"

	"github.com/dockmon/dns-agent/internal/model"
)

func TestUpdateRejectsEmptySnapshot(t *testing.T) {
	tr := New(3, nil)

	if changed := tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}}); !changed {
		t.Fatalf("expected first real update to report change")
	}

	if changed := tr.Update(model.ContainerSnapshot{}); changed {
		t.Errorf("expected empty snapshot to be rejected with no change reported")
	}
	if changed := tr.Update(nil); changed {
		t.Errorf("expected nil snapshot to be rejected with no change reported")
	}

	if got := tr.CurrentSnapshot(); len(got) != 1 {
		t.Errorf("expected current snapshot to be untouched by rejected updates, got %v", got)
	}
}

func TestUpdateDetectsContainerAdded(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})

	changed := tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})
	if !changed {
		t.Fatalf("expected adding a container to report change")
	}

	changes := tr.Changes()
	if _, ok := changes.AddedContainers["db"]; !ok {
		t.Errorf("expected db in AddedContainers, got %v", changes.AddedContainers)
	}
	if len(changes.RemovedContainers) != 0 {
		t.Errorf("expected no removed containers, got %v", changes.RemovedContainers)
	}
}

func TestUpdateDetectsContainerRemoved(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})

	changed := tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})
	if !changed {
		t.Fatalf("expected removing a container to report change")
	}

	changes := tr.Changes()
	if _, ok := changes.RemovedContainers["db"]; !ok {
		t.Errorf("expected db in RemovedContainers, got %v", changes.RemovedContainers)
	}
}

func TestUpdateDetectsNetworkChange(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})

	changed := tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.9"}})
	if !changed {
		t.Fatalf("expected ip change to report change")
	}

	changes := tr.Changes()
	delta, ok := changes.NetworkChanges["web"]
	if !ok {
		t.Fatalf("expected web in NetworkChanges, got %v", changes.NetworkChanges)
	}
	if delta.Added["bridge"] != "10.0.0.9" {
		t.Errorf("expected bridge added with new ip, got %v", delta.Added)
	}
	if delta.Removed["bridge"] != "10.0.0.2" {
		t.Errorf("expected bridge removed with old ip, got %v", delta.Removed)
	}
}

func TestUpdateIdempotentOnIdenticalSnapshot(t *testing.T) {
	tr := New(3, nil)
	snap := model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}}
	tr.Update(snap)

	if changed := tr.Update(snap.Clone()); changed {
		t.Errorf("expected identical snapshot to report no change")
	}

	changes := tr.Changes()
	if !changes.IsEmpty() {
		t.Errorf("expected empty change set, got %+v", changes)
	}
}

func TestGoneContainerAbsorbedWithinCleanupCycles(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})

	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})
	stats := tr.Statistics()
	if stats.GoneContainers != 1 {
		t.Errorf("expected db tracked as gone after 1 cycle, got %d", stats.GoneContainers)
	}

	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})

	stats = tr.Statistics()
	if stats.GoneContainers != 0 {
		t.Errorf("expected gone-table entry forgotten after cleanupCycles, got %d", stats.GoneContainers)
	}
}

func TestGoneContainerClearedOnReappearance(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})

	if stats := tr.Statistics(); stats.GoneContainers != 1 {
		t.Fatalf("expected db gone after removal, got %d", stats.GoneContainers)
	}

	tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})

	if stats := tr.Statistics(); stats.GoneContainers != 0 {
		t.Errorf("expected db cleared from gone table on reappearance, got %d", stats.GoneContainers)
	}
}

func TestSnapshotAccessorsReturnIndependentCopies(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.2"}})
	tr.Update(model.ContainerSnapshot{"web": {"bridge": "10.0.0.9"}})

	current := tr.CurrentSnapshot()
	current["web"]["bridge"] = "10.0.0.250"

	if got := tr.CurrentSnapshot(); got["web"]["bridge"] != "10.0.0.9" {
		t.Errorf("expected mutating returned snapshot not to affect tracker state, got %v", got)
	}

	previous := tr.PreviousSnapshot()
	if previous["web"]["bridge"] != "10.0.0.2" {
		t.Errorf("expected previous snapshot to hold prior ip, got %v", previous)
	}
}

func TestStatisticsCountsMultiNetworkContainers(t *testing.T) {
	tr := New(3, nil)
	tr.Update(model.ContainerSnapshot{
		"web": {"bridge": "10.0.0.2", "frontend_net": "10.1.0.2"},
		"db":  {"bridge": "10.0.0.3"},
	})

	stats := tr.Statistics()
	if stats.ContainerCount != 2 {
		t.Errorf("expected 2 containers, got %d", stats.ContainerCount)
	}
	if stats.TotalNetworks != 3 {
		t.Errorf("expected 3 total network attachments, got %d", stats.TotalNetworks)
	}
	if stats.MultiNetworkContainers != 1 {
		t.Errorf("expected 1 multi-network container, got %d", stats.MultiNetworkContainers)
	}
}
