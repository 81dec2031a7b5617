// Package tracker diffs successive container network snapshots into the
// change sets the reconciler feeds to the hybrid dispatcher.
package tracker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/model"
)

// Stats summarizes the tracker's current view, surfaced on demand for
// debugging/health endpoints.
type Stats struct {
	ContainerCount        int
	TotalNetworks         int
	MultiNetworkContainers int
	GoneContainers        int
	LastChangeTime        time.Time
}

// Tracker owns the current and previous ContainerSnapshot and the gone-table
// that absorbs transient inspection hiccups. It is not safe to share across
// goroutines that call Update/Changes concurrently with each other -- per
// §5, only the reconcile task touches it -- but its own fields are guarded
// so Statistics can be read from elsewhere (e.g. a health handler).
type Tracker struct {
	mu sync.RWMutex

	current  model.ContainerSnapshot
	previous model.ContainerSnapshot

	gone map[model.ContainerName]int

	cleanupCycles int
	lastChange    time.Time

	log *logrus.Logger
}

// New creates a Tracker that forgets a container after cleanupCycles
// consecutive cycles in which it is absent.
func New(cleanupCycles int, log *logrus.Logger) *Tracker {
	if cleanupCycles <= 0 {
		cleanupCycles = 3
	}
	return &Tracker{
		current:       make(model.ContainerSnapshot),
		previous:      make(model.ContainerSnapshot),
		gone:          make(map[model.ContainerName]int),
		cleanupCycles: cleanupCycles,
		log:           log,
	}
}

// Update replaces the current snapshot with newSnapshot, retaining the
// prior snapshot for one cycle. It returns true iff the container set
// changed or any retained container's network map differs. A nil or empty
// snapshot is rejected: current state is untouched and changed is false.
func (t *Tracker) Update(newSnapshot model.ContainerSnapshot) bool {
	if len(newSnapshot) == 0 {
		if t.log != nil {
			t.log.Warn("tracker: rejecting nil/empty snapshot, leaving state untouched")
		}
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.previous = t.current
	t.current = newSnapshot.Clone()

	t.trackGoneContainers()

	changed := t.hasRealChanges()
	if changed {
		t.lastChange = time.Now()
	}
	return changed
}

// trackGoneContainers advances the gone-table: containers absent this cycle
// have their counter incremented (or start at 1), reappearing containers
// are cleared, and containers at the cleanup threshold are dropped. Must be
// called with mu held.
func (t *Tracker) trackGoneContainers() {
	for container := range t.gone {
		if _, present := t.current[container]; present {
			delete(t.gone, container)
			continue
		}
		t.gone[container]++
		if t.gone[container] >= t.cleanupCycles {
			if t.log != nil {
				t.log.WithField("container", container).Info("tracker: forgetting container after cleanup cycles")
			}
			delete(t.gone, container)
		}
	}

	for container := range t.previous {
		if _, present := t.current[container]; present {
			continue
		}
		if _, alreadyGone := t.gone[container]; alreadyGone {
			continue
		}
		t.gone[container] = 1
	}
}

// hasRealChanges reports whether the container set differs or any shared
// container's network map differs. Must be called with mu held.
func (t *Tracker) hasRealChanges() bool {
	if len(t.current) != len(t.previous) {
		return true
	}
	for container, nets := range t.current {
		prevNets, ok := t.previous[container]
		if !ok {
			return true
		}
		if len(nets) != len(prevNets) {
			return true
		}
		for net, ip := range nets {
			if prevIP, ok := prevNets[net]; !ok || prevIP != ip {
				return true
			}
		}
	}
	return false
}

// Changes computes the ChangeSet between the current and previous
// snapshots. Valid immediately after Update; deterministic given the two
// snapshots.
func (t *Tracker) Changes() model.ChangeSet {
	t.mu.RLock()
	defer t.mu.RUnlock()

	changes := model.NewChangeSet()

	for container := range t.current {
		if _, ok := t.previous[container]; !ok {
			changes.AddedContainers[container] = struct{}{}
		}
	}
	for container := range t.previous {
		if _, ok := t.current[container]; !ok {
			changes.RemovedContainers[container] = struct{}{}
		}
	}

	for container, nets := range t.current {
		prevNets, ok := t.previous[container]
		if !ok {
			continue
		}

		delta := model.NetChange{
			Added:   make(map[model.NetworkName]model.IP),
			Removed: make(map[model.NetworkName]model.IP),
		}

		for net, ip := range nets {
			if prevIP, ok := prevNets[net]; !ok || prevIP != ip {
				delta.Added[net] = ip
			}
		}
		for net, ip := range prevNets {
			if _, ok := nets[net]; !ok {
				delta.Removed[net] = ip
			}
		}

		if len(delta.Added) > 0 || len(delta.Removed) > 0 {
			changes.NetworkChanges[container] = delta
		}
	}

	return changes
}

// CurrentSnapshot returns a copy of the snapshot installed by the most
// recent Update.
func (t *Tracker) CurrentSnapshot() model.ContainerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.Clone()
}

// PreviousSnapshot returns a copy of the snapshot that was current before
// the most recent Update.
func (t *Tracker) PreviousSnapshot() model.ContainerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.previous.Clone()
}

// Statistics reports a summary of the tracker's current state.
func (t *Tracker) Statistics() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{
		ContainerCount: len(t.current),
		GoneContainers: len(t.gone),
		LastChangeTime: t.lastChange,
	}
	for _, nets := range t.current {
		stats.TotalNetworks += len(nets)
		if len(nets) > 1 {
			stats.MultiNetworkContainers++
		}
	}
	return stats
}
