// Package cleanup implements the periodic duplicate-sweep over the REST
// backend's host-override entries: grouping by (hostname, domain), pruning
// every entry but the canonical one, and never touching hand-authored
// records.
package cleanup

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/metrics"
	"github.com/dockmon/dns-agent/internal/restbackend"
)

// Backend is the subset of restbackend.Backend the sweep needs.
type Backend interface {
	ListAll(ctx context.Context, forceRefresh bool) (map[string][]restbackend.Entry, error)
	DeleteUUID(ctx context.Context, uuid, hostname, domain, ip string) (bool, error)
	Reload(ctx context.Context) (bool, error)
}

// Config bounds a sweep run.
type Config struct {
	MaxHostnames int
	BatchSize    int
	OriginTag    string
}

// Sweeper runs the duplicate-removal sweep.
type Sweeper struct {
	backend Backend
	cfg     Config
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// New creates a Sweeper. cfg defaults MaxHostnames to 25 and BatchSize to
// 50 when left at zero.
func New(backend Backend, cfg Config, m *metrics.Metrics, log *logrus.Logger) *Sweeper {
	if cfg.MaxHostnames <= 0 {
		cfg.MaxHostnames = 25
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{backend: backend, cfg: cfg, metrics: m, log: log}
}

type group struct {
	hostname string
	domain   string
	entries  []restbackend.Entry
}

// candidate is one entry marked for deletion.
type candidate struct {
	uuid     string
	hostname string
	domain   string
	ip       string
}

// Run performs one sweep and returns the number of records removed.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	all, err := s.backend.ListAll(ctx, true)
	if err != nil {
		return 0, err
	}

	byKey := indexByHostnameDomain(all)
	rankedKeys := restbackend.SortedGroupsByDuplicateCount(all)
	if len(rankedKeys) > s.cfg.MaxHostnames {
		if s.log != nil {
			s.log.WithField("dropped_groups", len(rankedKeys)-s.cfg.MaxHostnames).Warn("cleanup: capping duplicate groups processed this run")
		}
		rankedKeys = rankedKeys[:s.cfg.MaxHostnames]
	}

	var groups []group
	for _, key := range rankedKeys {
		hostname, domain, ok := splitKey(key)
		if !ok {
			continue
		}
		groups = append(groups, group{hostname: hostname, domain: domain, entries: byKey[key]})
	}

	var candidates []candidate
	for _, g := range groups {
		canonicalIP := g.entries[0].Server
		keptFirst := false
		for _, e := range g.entries {
			if !keptFirst && e.Server == canonicalIP {
				keptFirst = true
				continue
			}
			if e.Description != s.cfg.OriginTag {
				continue
			}
			candidates = append(candidates, candidate{uuid: e.UUID, hostname: g.hostname, domain: g.domain, ip: e.Server})
		}
	}

	removed := 0
	for i := 0; i < len(candidates); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[i:end]

		batchRemoved := 0
		for _, c := range batch {
			ok, err := s.backend.DeleteUUID(ctx, c.uuid, c.hostname, c.domain, c.ip)
			if err != nil {
				if s.log != nil {
					s.log.WithError(err).WithField("hostname", c.hostname).Warn("cleanup: failed to delete duplicate entry")
				}
				continue
			}
			if ok {
				batchRemoved++
			}
		}

		if batchRemoved > 0 {
			if _, err := s.backend.Reload(ctx); err != nil && s.log != nil {
				s.log.WithError(err).Warn("cleanup: reload after batch failed")
			}
			if s.metrics != nil {
				s.metrics.CleanupDuplicatesRemoved.Add(float64(batchRemoved))
			}
		}
		removed += batchRemoved
	}

	return removed, nil
}

// indexByHostnameDomain re-keys the ListAll result the same way
// restbackend.SortedGroupsByDuplicateCount does ("hostname|domain"), so its
// ranked keys can be joined back to their entries.
func indexByHostnameDomain(all map[string][]restbackend.Entry) map[string][]restbackend.Entry {
	byKey := make(map[string][]restbackend.Entry)
	for hostname, entries := range all {
		for _, e := range entries {
			key := hostname + "|" + e.Domain
			byKey[key] = append(byKey[key], e)
		}
	}
	return byKey
}

// splitKey reverses the "hostname|domain" key format. Hostnames never
// contain '|', so a single split is unambiguous.
func splitKey(key string) (hostname, domain string, ok bool) {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// RetryDelays lists two backoff intervals, 5s then 10s. Run does not read
// it: a DeleteUUID call that returns an error is logged and skipped, and
// the only retries on a failed delete are the ones DeleteUUID makes itself.
var RetryDelays = []time.Duration{5 * time.Second, 10 * time.Second}
