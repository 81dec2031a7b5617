// Package replication fans out DNS mutations to peer agents and exposes the
// narrow HTTP surface a peer uses to receive them.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/model"
)

// mutationBody is the JSON body posted to a peer's /dns/add or /dns/remove
// route.
type mutationBody struct {
	Hostname    string `json:"hostname"`
	IP          string `json:"ip,omitempty"`
	Domain      string `json:"domain,omitempty"`
	NetworkName string `json:"network_name,omitempty"`
}

// Client holds a set of peer endpoints and fans mutations out to each one.
// Per-peer failures are recorded but never retried inside this layer.
type Client struct {
	peers map[string]string
	http  *http.Client
	log   *logrus.Logger
}

// NewClient creates a Client for the given peer name -> base URL map. The
// per-peer connect/read timeouts (5s/15s) are enforced via the dialer and
// response header timeout, following the same transport-tuning idiom used
// for the other HTTP clients in this codebase.
func NewClient(peers map[string]string, log *logrus.Logger) *Client {
	return &Client{
		peers: peers,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
			Timeout: 20 * time.Second,
		},
		log: log,
	}
}

// Replicate posts every addition to <peer>/dns/add and every removal to
// <peer>/dns/remove, for every configured peer. Failures are logged and
// recorded per peer; they never fail the caller's batch.
func (c *Client) Replicate(ctx context.Context, additions, removals []model.Record) map[string]bool {
	results := make(map[string]bool, len(c.peers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, baseURL := range c.peers {
		wg.Add(1)
		go func(name, baseURL string) {
			defer wg.Done()
			ok := true
			for _, rec := range additions {
				if err := c.post(ctx, baseURL+"/dns/add", mutationBody{
					Hostname: string(rec.Hostname),
					IP:       string(rec.IP),
					Domain:   rec.Domain,
				}); err != nil {
					ok = false
					if c.log != nil {
						c.log.WithError(err).WithField("peer", name).Warn("replication: add failed")
					}
				}
			}
			for _, rec := range removals {
				if err := c.post(ctx, baseURL+"/dns/remove", mutationBody{
					Hostname: string(rec.Hostname),
					Domain:   rec.Domain,
				}); err != nil {
					ok = false
					if c.log != nil {
						c.log.WithError(err).WithField("peer", name).Warn("replication: remove failed")
					}
				}
			}
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		}(name, baseURL)
	}

	wg.Wait()
	return results
}

func (c *Client) post(ctx context.Context, url string, body mutationBody) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}
