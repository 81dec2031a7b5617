// Package restbackend talks to an OPNsense/Unbound-style REST appliance,
// translating DNS records into unbound/settings/*HostOverride calls with
// adaptive timeouts, rate limiting, and retry-with-backoff.
package restbackend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/cache"
	"github.com/dockmon/dns-agent/internal/dnserr"
	"github.com/dockmon/dns-agent/internal/model"
	"github.com/dockmon/dns-agent/internal/redact"
)

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Config holds everything the backend needs to reach the appliance.
type Config struct {
	BaseURL          string
	Key              string
	Secret           string
	VerifySSL        bool
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	APIRetryCount    int
	APIBackoffFactor float64
	MinCallInterval  time.Duration
	CacheTTL         time.Duration

	RestartThreshold   int
	RestartInterval    time.Duration
	MaxReconfigureTime time.Duration

	HostName string
}

// Entry is one host-override row as returned by the appliance.
type Entry struct {
	UUID        string `json:"uuid"`
	Hostname    string `json:"hostname"`
	Domain      string `json:"domain"`
	Server      string `json:"server"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Backend is the REST appliance client. A single instance is shared across
// reconcile cycles; its cache and rate limiter make concurrent callers safe.
type Backend struct {
	cfg Config
	log *logrus.Logger

	httpClient *http.Client
	listCache  *cache.Cache

	rateMu       sync.Mutex
	lastCallTime time.Time

	stateMu              sync.Mutex
	updatesSinceRestart  int
	lastRestartTime      time.Time
}

const listCacheKey = "list_all"

// New creates a Backend. The returned client honors cfg.VerifySSL; when
// verification is disabled no TLS warning is logged, per the appliance's
// external interface contract.
func New(cfg Config, log *logrus.Logger) *Backend {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	return &Backend{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Transport: transport,
		},
		listCache:       cache.New(cfg.CacheTTL),
		lastRestartTime: time.Now(),
	}
}

// ListAll returns the host-override rows grouped by hostname, served from
// cache unless forceRefresh is set or the cache is empty.
func (b *Backend) ListAll(ctx context.Context, forceRefresh bool) (map[string][]Entry, error) {
	if !forceRefresh {
		if v, ok := b.listCache.Get(listCacheKey); ok {
			return v.(map[string][]Entry), nil
		}
	}

	body, _, err := b.doRequest(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, b.cfg.ConnectTimeout)
	if err != nil {
		b.log.WithError(err).Warn("restbackend: list_all failed, returning empty map")
		return map[string][]Entry{}, dnserr.Wrap(dnserr.Transient, "list_all failed", err)
	}

	var parsed struct {
		Rows []Entry `json:"rows"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return map[string][]Entry{}, dnserr.Wrap(dnserr.Transient, "list_all parse failed", err)
	}

	grouped := make(map[string][]Entry)
	for _, row := range parsed.Rows {
		grouped[row.Hostname] = append(grouped[row.Hostname], row)
	}

	b.listCache.Set(listCacheKey, grouped)
	return grouped, nil
}

// Exists reports whether a (hostname, domain, ip) triple is already present,
// derived from the cached list_all.
func (b *Backend) Exists(ctx context.Context, hostname, domain, ip string) (bool, error) {
	all, err := b.ListAll(ctx, false)
	if err != nil {
		return false, err
	}
	for _, e := range all[hostname] {
		if e.Domain == domain && e.Server == ip {
			return true, nil
		}
	}
	return false, nil
}

// findEntries returns every cached entry for (hostname, domain), regardless
// of ip, used to detect stale IPs that need deleting before an add.
func findEntries(all map[string][]Entry, hostname, domain string) []Entry {
	var matches []Entry
	for _, e := range all[hostname] {
		if e.Domain == domain {
			matches = append(matches, e)
		}
	}
	return matches
}

// Add applies the add protocol for rec: checks the cached list for an
// identical or stale entry, deletes stale UUIDs, then POSTs the addition.
// Returns true without an HTTP call if an identical entry already exists.
func (b *Backend) Add(ctx context.Context, rec model.Record) (bool, error) {
	all, err := b.ListAll(ctx, false)
	if err != nil {
		return false, err
	}

	hostname, domain, ip := string(rec.Hostname), rec.Domain, string(rec.IP)

	for _, e := range findEntries(all, hostname, domain) {
		if e.Server == ip {
			return true, nil
		}
	}
	for _, e := range findEntries(all, hostname, domain) {
		if e.Server != ip {
			if ok, err := b.DeleteUUID(ctx, e.UUID, hostname, domain, e.Server); !ok && err != nil {
				b.log.WithError(err).WithField("uuid", e.UUID).Warn("restbackend: failed to delete stale entry before add")
			}
		}
	}

	payload := map[string]interface{}{
		"host": map[string]interface{}{
			"enabled":     "1",
			"hostname":    hostname,
			"domain":      domain,
			"server":      ip,
			"description": rec.OriginTag,
		},
	}

	body, status, err := b.doRequestJSON(ctx, http.MethodPost, "unbound/settings/addHostOverride", payload, b.cfg.ConnectTimeout)
	if err != nil {
		return false, dnserr.Wrap(dnserr.Transient, "add host override failed", err)
	}
	if status >= 400 {
		return false, dnserr.New(dnserr.Validation, fmt.Sprintf("add host override returned status %d", status))
	}

	var resp struct {
		Result      string              `json:"result"`
		Validations map[string][]string `json:"validations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, dnserr.Wrap(dnserr.Transient, "add host override parse failed", err)
	}
	if resp.Result != "saved" {
		return false, dnserr.New(dnserr.Validation, fmt.Sprintf("add host override failed: %v", resp.Validations))
	}

	b.listCache.Invalidate(listCacheKey)
	b.recordMutation()
	return true, nil
}

// DeleteUUID removes a host override by uuid. An "endpoint not found"
// failure is treated as success since the record is already gone.
func (b *Backend) DeleteUUID(ctx context.Context, uuid, hostname, domain, ip string) (bool, error) {
	path := "unbound/settings/delHostOverride/" + uuid

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= 2; attempt++ {
		body, status, err := b.doRequestJSON(ctx, http.MethodPost, path, map[string]interface{}{}, b.cfg.ConnectTimeout)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "not found") {
				return true, nil
			}
			lastErr = err
			if attempt < 2 {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return false, dnserr.Wrap(dnserr.Transient, "delete host override failed", err)
		}
		if status == 404 {
			return true, nil
		}

		var resp struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return false, dnserr.Wrap(dnserr.Transient, "delete host override parse failed", err)
		}
		if resp.Result == "deleted" {
			b.listCache.Invalidate(listCacheKey)
			b.recordMutation()
			return true, nil
		}
		return false, nil
	}
	return false, lastErr
}

// Reconfigure issues a reconfigure call, bounded by MaxReconfigureTime. If
// it times out or fails, the caller should fall back to Restart.
func (b *Backend) Reconfigure(ctx context.Context) (bool, error) {
	_, status, err := b.doRequestJSON(ctx, http.MethodPost, "unbound/service/reconfigure", map[string]interface{}{}, b.cfg.MaxReconfigureTime)
	if err != nil {
		return false, dnserr.Wrap(dnserr.Transient, "reconfigure failed", err)
	}
	return status < 400, nil
}

// Restart issues a restart call and resets the updates-since-restart
// counter used by the reload strategy.
func (b *Backend) Restart(ctx context.Context) (bool, error) {
	serviceTimeout := b.cfg.ReadTimeout
	if serviceTimeout < 15*time.Second {
		serviceTimeout = 15 * time.Second
	}
	_, status, err := b.doRequestJSON(ctx, http.MethodPost, "unbound/service/restart", map[string]interface{}{}, serviceTimeout)
	if err != nil {
		return false, dnserr.Wrap(dnserr.Transient, "restart failed", err)
	}

	b.stateMu.Lock()
	b.updatesSinceRestart = 0
	b.lastRestartTime = time.Now()
	b.stateMu.Unlock()

	return status < 400, nil
}

// Reload decides between reconfigure and restart per the reload strategy:
// a restart when the update threshold or restart interval is reached,
// otherwise a reconfigure, followed by a restart if that reconfigure fails.
func (b *Backend) Reload(ctx context.Context) (bool, error) {
	b.stateMu.Lock()
	needsRestart := b.updatesSinceRestart >= b.cfg.RestartThreshold ||
		time.Since(b.lastRestartTime) > b.cfg.RestartInterval
	b.stateMu.Unlock()

	if needsRestart {
		return b.Restart(ctx)
	}

	ok, err := b.Reconfigure(ctx)
	if err != nil || !ok {
		if b.log != nil {
			b.log.WithError(err).Warn("restbackend: reconfigure failed, falling back to restart")
		}
		return b.Restart(ctx)
	}
	return true, nil
}

func (b *Backend) recordMutation() {
	b.stateMu.Lock()
	b.updatesSinceRestart++
	b.stateMu.Unlock()
}

// BatchApply applies a batch of additions and removals, then issues exactly
// one reload if any mutation succeeded. Removals are processed before
// additions, matching the dispatcher's ordering guarantee.
func (b *Backend) BatchApply(ctx context.Context, additions, removals []model.Record) (bool, error) {
	all, err := b.ListAll(ctx, false)
	if err != nil {
		all = map[string][]Entry{}
	}

	committed := false

	for _, rec := range removals {
		for _, e := range findEntries(all, string(rec.Hostname), rec.Domain) {
			if e.Server != string(rec.IP) {
				continue
			}
			ok, err := b.DeleteUUID(ctx, e.UUID, string(rec.Hostname), rec.Domain, e.Server)
			if err != nil {
				b.log.WithError(err).WithField("hostname", rec.Hostname).Warn("restbackend: batch delete failed")
				continue
			}
			committed = committed || ok
		}
	}

	for _, rec := range additions {
		// An identical entry already on the appliance is not a mutation, so
		// it must not count towards triggering the reload.
		if exists, err := b.Exists(ctx, string(rec.Hostname), rec.Domain, string(rec.IP)); err == nil && exists {
			continue
		}
		ok, err := b.Add(ctx, rec)
		if err != nil {
			b.log.WithError(err).WithField("hostname", rec.Hostname).Warn("restbackend: batch add failed")
			continue
		}
		committed = committed || ok
	}

	if committed {
		if _, err := b.Reload(ctx); err != nil {
			b.log.WithError(err).Warn("restbackend: reload after batch apply failed")
		}
	}

	return committed, nil
}

// rateLimit blocks until at least MinCallInterval has elapsed since the
// previous HTTP call.
func (b *Backend) rateLimit() {
	b.rateMu.Lock()
	defer b.rateMu.Unlock()

	elapsed := time.Since(b.lastCallTime)
	if elapsed < b.cfg.MinCallInterval {
		time.Sleep(b.cfg.MinCallInterval - elapsed)
	}
	b.lastCallTime = time.Now()
}

// doRequestJSON marshals body as JSON and delegates to doRequest.
func (b *Backend) doRequestJSON(ctx context.Context, method, path string, body interface{}, timeout time.Duration) ([]byte, int, error) {
	var encoded []byte
	var err error
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
	}
	return b.doRequestStatus(ctx, method, path, encoded, timeout)
}

// doRequest issues a request with an already-encoded body and returns the
// response body, status code and error, exactly as doRequestStatus does.
func (b *Backend) doRequest(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, int, error) {
	return b.doRequestStatus(ctx, method, path, body, timeout)
}

// doRequestStatus performs the HTTP call with rate limiting, retry on
// retryable status codes, and credential redaction on logged errors.
func (b *Backend) doRequestStatus(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, int, error) {
	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= b.cfg.APIRetryCount; attempt++ {
		b.rateLimit()

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, 0, err
		}
		req.SetBasicAuth(b.cfg.Key, b.cfg.Secret)
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if b.log != nil {
				b.log.WithError(fmt.Errorf("%s", redact.String(err.Error()))).WithField("path", path).Debug("restbackend: request error")
			}
			if attempt < b.cfg.APIRetryCount {
				time.Sleep(backoff)
				backoff = time.Duration(float64(backoff) * b.cfg.APIBackoffFactor)
				continue
			}
			return nil, 0, lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			if attempt < b.cfg.APIRetryCount {
				time.Sleep(backoff)
				backoff = time.Duration(float64(backoff) * b.cfg.APIBackoffFactor)
				continue
			}
			return nil, resp.StatusCode, lastErr
		}

		if retryableStatus[resp.StatusCode] && attempt < b.cfg.APIRetryCount {
			time.Sleep(backoff)
			backoff = time.Duration(float64(backoff) * b.cfg.APIBackoffFactor)
			continue
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

// SortedGroupsByDuplicateCount is used by the cleanup sweep to rank
// (hostname, domain) groups with more than one entry by duplicate count,
// descending.
func SortedGroupsByDuplicateCount(all map[string][]Entry) []string {
	type group struct {
		key   string
		count int
	}
	var groups []group
	for hostname, entries := range all {
		byDomain := make(map[string]int)
		for _, e := range entries {
			byDomain[e.Domain]++
		}
		for domain, count := range byDomain {
			if count > 1 {
				groups = append(groups, group{key: hostname + "|" + domain, count: count})
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].count > groups[j].count })

	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.key
	}
	return keys
}
