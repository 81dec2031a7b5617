// Package containersource wraps the Docker SDK client used to list running
// containers and subscribe to their lifecycle events, the two capabilities
// the reconciler needs from the container runtime.
package containersource

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/dnserr"
	"github.com/dockmon/dns-agent/internal/model"
)

// changeTriggerActions are the event actions that flag the reconciler's
// changes signal; all other container/network events are ignored.
var changeTriggerActions = map[events.Action]bool{
	"start":   true,
	"die":     true,
	"destroy": true,
	"create":  true,
}

// Source lists running containers and watches their lifecycle events.
type Source struct {
	cli *client.Client
	log *logrus.Logger
}

// New creates a Source from the local Docker socket, negotiating the API
// version against the daemon the way the rest of this codebase's Docker
// clients do.
func New(log *logrus.Logger) (*Source, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.Configuration, "failed to create docker client", err)
	}
	return &Source{cli: cli, log: log}, nil
}

// Close releases the underlying Docker client connection.
func (s *Source) Close() error {
	return s.cli.Close()
}

// Snapshot lists every running container and returns its current network
// attachments as a model.ContainerSnapshot. Containers with no network
// attachments are included with an empty network map.
func (s *Source) Snapshot(ctx context.Context) (model.ContainerSnapshot, error) {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, dnserr.Wrap(dnserr.Inspection, "failed to list containers", err)
	}

	snapshot := make(model.ContainerSnapshot, len(containers))
	for _, c := range containers {
		name := containerName(c.Names)
		if name == "" {
			continue
		}

		nets := make(map[model.NetworkName]model.IP)
		if c.NetworkSettings != nil {
			for netName, settings := range c.NetworkSettings.Networks {
				if settings == nil || settings.IPAddress == "" {
					continue
				}
				nets[model.NetworkName(netName)] = model.IP(settings.IPAddress)
			}
		}
		snapshot[model.ContainerName(name)] = nets
	}

	return snapshot, nil
}

// containerName strips the leading slash Docker prepends to container
// names and returns the first name, or "" if none are present.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}

// WatchEvents subscribes to the Docker event stream, filtered to container
// events, and returns a channel that receives true whenever an event whose
// action is one of start/die/destroy/create arrives. The channel is closed
// when ctx is canceled or the stream ends; callers should reconnect by
// calling WatchEvents again on EOF/error, mirroring the retry-with-backoff
// pattern used for other long-lived Docker streams in this codebase.
func (s *Source) WatchEvents(ctx context.Context) (<-chan bool, <-chan error) {
	changes := make(chan bool, 1)
	errs := make(chan error, 1)

	eventFilters := filters.NewArgs()
	eventFilters.Add("type", "container")

	eventsChan, errChan := s.cli.Events(ctx, events.ListOptions{Filters: eventFilters})

	go func() {
		defer close(changes)
		defer close(errs)
		defer func() {
			if r := recover(); r != nil {
				if s.log != nil {
					s.log.WithField("panic", r).Error("containersource: recovered from panic in event stream")
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errChan:
				if !ok {
					return
				}
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					return
				}
			case msg, ok := <-eventsChan:
				if !ok {
					return
				}
				if changeTriggerActions[msg.Action] {
					select {
					case changes <- true:
					default:
					}
				}
			}
		}
	}()

	return changes, errs
}

// ReconnectBackoff is the initial/max backoff pair used when WatchEvents
// terminates with an error and must be restarted.
const (
	ReconnectInitialBackoff = time.Second
	ReconnectMaxBackoff     = 30 * time.Second
)
