// Package model holds the data types shared across every reconciliation
// component: container snapshots, change sets, and the DNS records derived
// from them.
package model

import (
	"regexp"
	"strings"
)

// ContainerName is the stable, non-empty key identifying a container across
// reconcile cycles.
type ContainerName string

// NetworkName names a network attachment (e.g. "bridge", "frontend_net").
// The distinguished value "flannel" is synthesized by the dispatcher, never
// observed directly on a container.
type NetworkName string

// IP is a textual IPv4 (or passthrough IPv6) address.
type IP string

// ContainerSnapshot is one cycle's complete view of container network
// attachments: container -> network -> ip, one ip per (container, network).
type ContainerSnapshot map[ContainerName]map[NetworkName]IP

// Clone returns a deep copy so callers can retain a snapshot across the
// tracker's own mutation of its current/previous state.
func (s ContainerSnapshot) Clone() ContainerSnapshot {
	out := make(ContainerSnapshot, len(s))
	for container, nets := range s {
		netsCopy := make(map[NetworkName]IP, len(nets))
		for net, ip := range nets {
			netsCopy[net] = ip
		}
		out[container] = netsCopy
	}
	return out
}

// NetChange is the per-container delta of network attachments between two
// snapshots. An IP change on the same network produces entries in both
// Added and Removed for that network.
type NetChange struct {
	Added   map[NetworkName]IP
	Removed map[NetworkName]IP
}

// ChangeSet is the result of diffing two successive ContainerSnapshots.
// AddedContainers, RemovedContainers, and the keys of NetworkChanges are
// pairwise disjoint.
type ChangeSet struct {
	AddedContainers   map[ContainerName]struct{}
	RemovedContainers map[ContainerName]struct{}
	NetworkChanges    map[ContainerName]NetChange
}

// NewChangeSet returns an empty, fully-initialized ChangeSet.
func NewChangeSet() ChangeSet {
	return ChangeSet{
		AddedContainers:   make(map[ContainerName]struct{}),
		RemovedContainers: make(map[ContainerName]struct{}),
		NetworkChanges:    make(map[ContainerName]NetChange),
	}
}

// IsEmpty reports whether the change set carries no additions, removals, or
// network deltas.
func (c ChangeSet) IsEmpty() bool {
	return len(c.AddedContainers) == 0 && len(c.RemovedContainers) == 0 && len(c.NetworkChanges) == 0
}

// Record is one desired DNS A-mapping: a hostname under a domain resolving
// to an ip, tagged with the origin marker the REST backend uses to avoid
// touching hand-authored entries.
type Record struct {
	Hostname  ContainerName
	Domain    string
	IP        IP
	OriginTag string
}

var nonAlnumDash = regexp.MustCompile(`[^A-Za-z0-9-]`)
var dashRuns = regexp.MustCompile(`-{2,}`)
var subdomainSuffixes = []string{"_net", "-net", "_default", "-default"}

// SanitizeNetwork derives a subdomain label from a network attachment name:
// strip one of the recognized suffixes, fold disallowed characters to '-',
// collapse runs of '-', trim leading/trailing '-', and fall back to
// "network" if nothing is left.
func SanitizeNetwork(name NetworkName) string {
	s := string(name)
	for _, suffix := range subdomainSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	s = nonAlnumDash.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "network"
	}
	return s
}

// OriginTagFor builds the human-readable origin marker the REST backend
// stamps into a host-override's description field.
func OriginTagFor(hostName string) string {
	return "Docker container on " + hostName
}
