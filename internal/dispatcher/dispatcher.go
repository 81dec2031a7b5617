// Package dispatcher implements the hybrid dispatcher: it derives the
// concrete domain set for each (container, network, ip) tuple, classifies
// critical records, and applies a batch of additions/removals across every
// enabled backend under the ordering and single-reload-per-batch
// invariants.
package dispatcher

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/metrics"
	"github.com/dockmon/dns-agent/internal/model"
)

// defaultCriticalPrefixes mirrors the spec's default critical-prefix list.
var defaultCriticalPrefixes = []string{"caddy-public", "smtp-proxy", "traefik", "nginx-proxy"}

// NonRESTBackend is the interface the dispatcher needs from a file-style
// backend: per-record mutation plus an explicit reload, with no implicit
// reload on mutation.
type NonRESTBackend interface {
	Name() string
	Add(hostname, domain, ip string) (bool, error)
	Remove(hostname, domain string) (bool, error)
	Reload(ctx context.Context) (bool, error)
}

// RESTBackend is the interface the dispatcher needs from the REST
// appliance backend for the critical-record redispatch path.
type RESTBackend interface {
	BatchApply(ctx context.Context, additions, removals []model.Record) (bool, error)
}

// ReplicationClient is the interface the dispatcher needs to fan additions
// and removals out to peers. The per-peer result map is advisory; the
// dispatcher only logs it, since a replication failure never aborts the
// local batch.
type ReplicationClient interface {
	Replicate(ctx context.Context, additions, removals []model.Record) map[string]bool
}

// Config configures domain derivation and critical-record classification.
type Config struct {
	BaseDomain        string
	HostName          string
	FlannelCIDR       string
	CriticalPrefixes  []string
	IsMaster          bool
}

// Dispatcher routes records to every enabled backend per the batch apply
// contract.
type Dispatcher struct {
	cfg Config
	log *logrus.Logger

	flannelNet *net.IPNet

	nonRESTBackends []NonRESTBackend
	backendMu       map[string]*sync.Mutex

	restBackend RESTBackend
	replication ReplicationClient
	metrics     *metrics.Metrics
}

// New creates a Dispatcher. flannelCIDR may be empty if no flannel overlay
// is configured; restBackend and replication may be nil.
func New(cfg Config, nonRESTBackends []NonRESTBackend, restBackend RESTBackend, replication ReplicationClient, m *metrics.Metrics, log *logrus.Logger) *Dispatcher {
	if len(cfg.CriticalPrefixes) == 0 {
		cfg.CriticalPrefixes = defaultCriticalPrefixes
	}

	var flannelNet *net.IPNet
	if cfg.FlannelCIDR != "" {
		_, parsed, err := net.ParseCIDR(cfg.FlannelCIDR)
		if err == nil {
			flannelNet = parsed
		}
	}

	mu := make(map[string]*sync.Mutex, len(nonRESTBackends))
	for _, b := range nonRESTBackends {
		mu[b.Name()] = &sync.Mutex{}
	}

	return &Dispatcher{
		cfg:             cfg,
		log:             log,
		flannelNet:      flannelNet,
		nonRESTBackends: nonRESTBackends,
		backendMu:       mu,
		restBackend:     restBackend,
		replication:     replication,
		metrics:         m,
	}
}

// IsCritical reports whether container begins with any configured critical
// prefix.
func (d *Dispatcher) IsCritical(container string) bool {
	for _, prefix := range d.cfg.CriticalPrefixes {
		if strings.HasPrefix(container, prefix) {
			return true
		}
	}
	return false
}

// DeriveDomains returns every domain a (container, network, ip) tuple
// should be dispatched to: the base domain always, the network-specific
// subdomain when the network isn't bridge/empty, and the flannel subdomain
// when ip falls inside the detected overlay CIDR.
func (d *Dispatcher) DeriveDomains(netName model.NetworkName, ip model.IP) []string {
	domains := []string{d.cfg.BaseDomain}

	if netName != "" && netName != "bridge" {
		sub := model.SanitizeNetwork(netName)
		domains = append(domains, sub+"."+d.cfg.BaseDomain)
	}

	if d.flannelNet != nil {
		if parsed := net.ParseIP(string(ip)); parsed != nil && d.flannelNet.Contains(parsed) {
			domains = append(domains, "flannel."+d.cfg.BaseDomain)
		}
	}

	return domains
}

// ExpandRecord expands one (container, network, ip) tuple into the full set
// of Records across every derived domain, stamped with this host's origin
// tag.
func (d *Dispatcher) ExpandRecord(container model.ContainerName, netName model.NetworkName, ip model.IP) []model.Record {
	origin := model.OriginTagFor(d.cfg.HostName)
	var records []model.Record
	for _, domain := range d.DeriveDomains(netName, ip) {
		records = append(records, model.Record{
			Hostname:  container,
			Domain:    domain,
			IP:        ip,
			OriginTag: origin,
		})
	}
	return records
}

// ApplyBatch applies additions and removals across every enabled backend
// under the batch apply contract: removals before additions per backend,
// exactly one reload per backend that observed a mutation, replication
// fan-out after the local commit, and critical-record redispatch through
// the REST backend. Returns true iff any backend reported a committed
// change.
func (d *Dispatcher) ApplyBatch(ctx context.Context, additions, removals []model.Record) bool {
	anyCommitted := false

	for _, backend := range d.nonRESTBackends {
		if d.applyToBackend(ctx, backend, additions, removals) {
			anyCommitted = true
		}
	}

	if d.cfg.IsMaster && d.replication != nil {
		results := d.replication.Replicate(ctx, additions, removals)
		for peer, ok := range results {
			if ok {
				continue
			}
			if d.log != nil {
				d.log.WithField("peer", peer).Warn("dispatcher: replication to peer failed")
			}
			if d.metrics != nil {
				d.metrics.ReplicationErrors.Inc()
			}
		}
	}

	criticalAdditions := d.filterCritical(additions)
	criticalRemovals := d.filterCritical(removals)
	if d.restBackend != nil && (len(criticalAdditions) > 0 || len(criticalRemovals) > 0) {
		committed, err := d.restBackend.BatchApply(ctx, criticalAdditions, criticalRemovals)
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).Warn("dispatcher: rest backend batch apply for critical records failed")
			}
			if d.metrics != nil {
				d.metrics.BackendErrors.WithLabelValues("rest", "batch_apply").Inc()
			}
		}
		if committed {
			anyCommitted = true
		}
	}

	return anyCommitted
}

// applyToBackend serializes a single backend's add/remove/reload sequence
// so at most one is in flight at a time for that backend.
func (d *Dispatcher) applyToBackend(ctx context.Context, backend NonRESTBackend, additions, removals []model.Record) bool {
	mu := d.backendMu[backend.Name()]
	mu.Lock()
	defer mu.Unlock()

	mutated := false

	for _, rec := range removals {
		ok, err := backend.Remove(string(rec.Hostname), rec.Domain)
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).WithField("backend", backend.Name()).WithField("hostname", rec.Hostname).Warn("dispatcher: backend remove failed")
			}
			if d.metrics != nil {
				d.metrics.BackendErrors.WithLabelValues(backend.Name(), "remove").Inc()
			}
			continue
		}
		if ok {
			mutated = true
			if d.metrics != nil {
				d.metrics.RecordsRemoved.WithLabelValues(backend.Name()).Inc()
			}
		}
	}

	for _, rec := range additions {
		ok, err := backend.Add(string(rec.Hostname), rec.Domain, string(rec.IP))
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).WithField("backend", backend.Name()).WithField("hostname", rec.Hostname).Warn("dispatcher: backend add failed")
			}
			if d.metrics != nil {
				d.metrics.BackendErrors.WithLabelValues(backend.Name(), "add").Inc()
			}
			continue
		}
		if ok {
			mutated = true
			if d.metrics != nil {
				d.metrics.RecordsAdded.WithLabelValues(backend.Name()).Inc()
			}
		}
	}

	if mutated {
		if _, err := backend.Reload(ctx); err != nil {
			if d.log != nil {
				d.log.WithError(err).WithField("backend", backend.Name()).Warn("dispatcher: backend reload failed")
			}
			if d.metrics != nil {
				d.metrics.BackendErrors.WithLabelValues(backend.Name(), "reload").Inc()
			}
		}
		if d.metrics != nil {
			d.metrics.ReloadsIssued.WithLabelValues(backend.Name(), "reload").Inc()
		}
	}

	return mutated
}

// filterCritical returns the subset of records whose container name begins
// with a configured critical prefix.
func (d *Dispatcher) filterCritical(records []model.Record) []model.Record {
	var out []model.Record
	for _, r := range records {
		if d.IsCritical(string(r.Hostname)) {
			out = append(out, r)
		}
	}
	return out
}
