// Package reconciler owns the agent's main loop: taking container snapshots,
// diffing them against the tracked state, and pushing the resulting DNS
// changes through the dispatcher on every sync tick and container event.
package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/containersource"
	"github.com/dockmon/dns-agent/internal/metrics"
	"github.com/dockmon/dns-agent/internal/model"
)

// ContainerSource is the subset of containersource.Source the loop needs.
type ContainerSource interface {
	Snapshot(ctx context.Context) (model.ContainerSnapshot, error)
	WatchEvents(ctx context.Context) (<-chan bool, <-chan error)
}

// Tracker is the subset of tracker.Tracker the loop needs.
type Tracker interface {
	Update(newSnapshot model.ContainerSnapshot) bool
	Changes() model.ChangeSet
	PreviousSnapshot() model.ContainerSnapshot
}

// Dispatcher is the subset of dispatcher.Dispatcher the loop needs.
type Dispatcher interface {
	ExpandRecord(container model.ContainerName, netName model.NetworkName, ip model.IP) []model.Record
	ApplyBatch(ctx context.Context, additions, removals []model.Record) bool
}

// Cleaner runs the periodic duplicate sweep (cleanup.Sweeper).
type Cleaner interface {
	Run(ctx context.Context) (int, error)
}

// Config holds the loop's timing parameters.
type Config struct {
	SyncInterval     time.Duration
	CleanupInterval  time.Duration
	CleanupOnStartup bool
	ReconnectDelay   time.Duration
}

// DefaultConfig returns the spec's default timing parameters.
func DefaultConfig() Config {
	return Config{
		SyncInterval:     60 * time.Second,
		CleanupInterval:  3600 * time.Second,
		CleanupOnStartup: true,
		ReconnectDelay:   5 * time.Second,
	}
}

// Reconciler runs the startup -> running -> shutdown state machine.
type Reconciler struct {
	source     ContainerSource
	tracker    Tracker
	dispatcher Dispatcher
	cleaner    Cleaner
	cfg        Config
	metrics    *metrics.Metrics
	log        *logrus.Logger

	reconnectAttempt int
}

// New creates a Reconciler. cleaner may be nil, in which case cleanup ticks
// and the startup cleanup pass are both skipped.
func New(source ContainerSource, tracker Tracker, dispatcher Dispatcher, cleaner Cleaner, cfg Config, m *metrics.Metrics, log *logrus.Logger) *Reconciler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 3600 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Reconciler{
		source:     source,
		tracker:    tracker,
		dispatcher: dispatcher,
		cleaner:    cleaner,
		cfg:        cfg,
		metrics:    m,
		log:        log,
	}
}

// Run blocks until ctx is cancelled. It performs one reconciliation and (if
// configured) one cleanup pass at startup, then arms the sync and cleanup
// tickers and consumes the container event stream until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.reconcileOnce(ctx, "startup")

	if r.cfg.CleanupOnStartup && r.cleaner != nil {
		r.runCleanup(ctx)
	}

	syncTicker := time.NewTicker(r.cfg.SyncInterval)
	defer syncTicker.Stop()

	var cleanupTicker *time.Ticker
	var cleanupChan <-chan time.Time
	if r.cleaner != nil {
		cleanupTicker = time.NewTicker(r.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupChan = cleanupTicker.C
	}

	eventsChan, errChan := r.source.WatchEvents(ctx)
	changesDetected := false

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler: shutting down")
			return nil

		case relevant, ok := <-eventsChan:
			if !ok {
				r.log.Warn("reconciler: event stream closed, reconnecting")
				eventsChan, errChan = r.reconnect(ctx)
				continue
			}
			r.reconnectAttempt = 0
			if relevant {
				changesDetected = true
			}

		case err, ok := <-errChan:
			if !ok {
				continue
			}
			if err != nil {
				r.log.WithError(err).Warn("reconciler: event stream error, reconnecting")
			}
			eventsChan, errChan = r.reconnect(ctx)

		case <-syncTicker.C:
			r.log.WithField("changes_detected", changesDetected).Debug("reconciler: sync tick")
			r.reconcileOnce(ctx, "sync")
			changesDetected = false

		case <-cleanupChan:
			r.runCleanup(ctx)
		}
	}
}

// reconnect waits an escalating backoff, then restarts the event stream. It
// never gives up: on repeated failure the delay keeps doubling up to
// containersource.ReconnectMaxBackoff until a relevant event arrives and
// resets the sequence.
func (r *Reconciler) reconnect(ctx context.Context) (<-chan bool, <-chan error) {
	select {
	case <-ctx.Done():
		closedBool := make(chan bool)
		close(closedBool)
		closedErr := make(chan error)
		close(closedErr)
		return closedBool, closedErr
	case <-time.After(r.nextReconnectDelay()):
	}
	return r.source.WatchEvents(ctx)
}

// maxReconnectBackoffShift caps how many times the base delay gets doubled,
// so repeated reconnect failures can't shift a time.Duration into overflow.
const maxReconnectBackoffShift = 10

// nextReconnectDelay returns the next wait in the reconnect backoff
// sequence: cfg.ReconnectDelay (falling back to
// containersource.ReconnectInitialBackoff when unset) doubled once per
// consecutive failed attempt, capped at containersource.ReconnectMaxBackoff.
func (r *Reconciler) nextReconnectDelay() time.Duration {
	base := containersource.ReconnectInitialBackoff
	if r.cfg.ReconnectDelay > 0 {
		base = r.cfg.ReconnectDelay
	}

	shift := r.reconnectAttempt
	if shift > maxReconnectBackoffShift {
		shift = maxReconnectBackoffShift
	}
	r.reconnectAttempt++

	delay := base * time.Duration(int64(1)<<uint(shift))
	if delay > containersource.ReconnectMaxBackoff || delay <= 0 {
		delay = containersource.ReconnectMaxBackoff
	}
	return delay
}

// reconcileOnce takes a fresh snapshot, diffs it against tracked state, and
// pushes any resulting additions/removals through the dispatcher. Errors are
// logged; the loop never exits because one reconciliation failed.
func (r *Reconciler) reconcileOnce(ctx context.Context, trigger string) {
	snapshot, err := r.source.Snapshot(ctx)
	if err != nil {
		r.log.WithError(err).WithField("trigger", trigger).Error("reconciler: failed to take container snapshot")
		return
	}

	changed := r.tracker.Update(snapshot)
	if !changed {
		return
	}

	changes := r.tracker.Changes()
	additions, removals := r.expandChanges(snapshot, r.tracker.PreviousSnapshot(), changes)

	if len(additions) == 0 && len(removals) == 0 {
		return
	}

	start := time.Now()
	ok := r.dispatcher.ApplyBatch(ctx, additions, removals)
	if r.metrics != nil {
		r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		r.metrics.ReconcileCycles.Inc()
	}

	r.log.WithFields(logrus.Fields{
		"trigger":   trigger,
		"additions": len(additions),
		"removals":  len(removals),
		"committed": ok,
	}).Info("reconciler: reconciliation complete")
}

// expandChanges turns a ChangeSet into the flat addition/removal record
// lists the dispatcher expects: every added container's networks (read from
// the current snapshot), every network-change addition/removal, and every
// removed container's last-known networks (read from the snapshot in effect
// before the update, since a gone container no longer appears in current).
// Per-container network maps are walked in sorted network-name order: a
// multi-homed container that publishes the same base-domain hostname from
// more than one network must apply those writes in a deterministic order,
// since whichever one lands last wins the record for that hostname. Go's
// native map iteration order is randomized, so this is not optional.
func (r *Reconciler) expandChanges(current, previous model.ContainerSnapshot, changes model.ChangeSet) (additions, removals []model.Record) {
	for name := range changes.AddedContainers {
		nets := current[name]
		for _, netName := range sortedNetworkNames(nets) {
			additions = append(additions, r.dispatcher.ExpandRecord(name, netName, nets[netName])...)
		}
	}

	for name, netChange := range changes.NetworkChanges {
		for _, netName := range sortedNetworkNames(netChange.Added) {
			additions = append(additions, r.dispatcher.ExpandRecord(name, netName, netChange.Added[netName])...)
		}
		for _, netName := range sortedNetworkNames(netChange.Removed) {
			removals = append(removals, r.dispatcher.ExpandRecord(name, netName, netChange.Removed[netName])...)
		}
	}

	for name := range changes.RemovedContainers {
		nets := previous[name]
		for _, netName := range sortedNetworkNames(nets) {
			removals = append(removals, r.dispatcher.ExpandRecord(name, netName, nets[netName])...)
		}
	}

	return additions, removals
}

// sortedNetworkNames returns nets' keys in ascending order, so callers that
// expand a container's networks into records get a deterministic write
// order regardless of Go's randomized map iteration.
func sortedNetworkNames(nets map[model.NetworkName]model.IP) []model.NetworkName {
	names := make([]model.NetworkName, 0, len(nets))
	for name := range nets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *Reconciler) runCleanup(ctx context.Context) {
	removed, err := r.cleaner.Run(ctx)
	if err != nil {
		r.log.WithError(err).Warn("reconciler: cleanup sweep failed")
		return
	}
	r.log.WithField("removed", removed).Info("reconciler: cleanup sweep complete")
}
