// Package filebackend manages the Unbound zone-fragment file, a flat text
// file of local-data directives that the resolver loads alongside its
// regular configuration. Writes follow the atomic write-then-rename
// discipline used for temp files elsewhere in this codebase.
package filebackend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/dnserr"
)

const header = "# Managed by the docker-dns reconciliation agent. Do not edit by hand.\n"

// FileMode is the permission used for the zone fragment file: writable by
// the owner and readable by everyone, so the resolver can load it.
const FileMode os.FileMode = 0644

// ReloadMode selects how Reload signals the resolver.
type ReloadMode int

const (
	// ReloadCommand runs a subprocess (e.g. "systemctl reload unbound").
	ReloadCommand ReloadMode = iota
	// ReloadSignalFile touches a sentinel file the resolver watches.
	ReloadSignalFile
)

// Config configures a Backend.
type Config struct {
	Path              string
	ReloadMode        ReloadMode
	ReloadCommand     string
	ReloadSignalPath  string
	ReloadTimeout     time.Duration
}

// Backend manages the zone fragment file. Add, Remove and RemoveAll are
// serialized within this process by an internal mutex; multi-process
// safety is out of scope.
type Backend struct {
	cfg Config
	log *logrus.Logger
	mu  sync.Mutex
}

// New creates a Backend and ensures the zone fragment file exists with its
// header.
func New(cfg Config, log *logrus.Logger) (*Backend, error) {
	if cfg.ReloadTimeout == 0 {
		cfg.ReloadTimeout = 30 * time.Second
	}
	b := &Backend{cfg: cfg, log: log}
	if err := b.ensureHeader(); err != nil {
		return nil, err
	}
	return b, nil
}

func recordLine(hostname, domain, ip string) string {
	return fmt.Sprintf(`local-data: "%s.%s. IN A %s"`, hostname, domain, ip)
}

func recordPrefix(hostname, domain string) string {
	return fmt.Sprintf(`local-data: "%s.%s.`, hostname, domain)
}

// ensureHeader (re)creates the file with the header if it is absent or
// does not begin with it.
func (b *Backend) ensureHeader() error {
	lines, err := b.readLines()
	if err != nil {
		return err
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(header) {
		return nil
	}
	return b.writeLines(append([]string{strings.TrimRight(header, "\n")}, lines...))
}

// readLines returns the file's lines, or an empty slice if it does not
// exist.
func (b *Backend) readLines() ([]string, error) {
	f, err := os.Open(b.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dnserr.Wrap(dnserr.LocalIO, "failed to open zone fragment file", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, dnserr.Wrap(dnserr.LocalIO, "failed to read zone fragment file", err)
	}
	return lines, nil
}

// writeLines writes lines atomically: a temp file in the same directory is
// written, chmod'd, synced, then renamed over the target path.
func (b *Backend) writeLines(lines []string) error {
	dir := filepath.Dir(b.cfg.Path)

	tmp, err := os.CreateTemp(dir, ".dns-records-*.tmp")
	if err != nil {
		return dnserr.Wrap(dnserr.LocalIO, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return dnserr.Wrap(dnserr.LocalIO, "failed to set temp file permissions", err)
	}

	writer := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return dnserr.Wrap(dnserr.LocalIO, "failed to write temp file", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return dnserr.Wrap(dnserr.LocalIO, "failed to flush temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return dnserr.Wrap(dnserr.LocalIO, "failed to sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return dnserr.Wrap(dnserr.LocalIO, "failed to close temp file", err)
	}
	if err := os.Rename(tmpPath, b.cfg.Path); err != nil {
		return dnserr.Wrap(dnserr.LocalIO, "failed to rename temp file into place", err)
	}
	return nil
}

// Name identifies this backend in dispatcher logs and metrics labels.
func (b *Backend) Name() string {
	return "file"
}

// Add removes any existing line for (hostname, domain) and appends the new
// record line. Idempotent.
func (b *Backend) Add(hostname, domain, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readLines()
	if err != nil {
		return false, err
	}

	prefix := recordPrefix(hostname, domain)
	filtered := lines[:0:0]
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			continue
		}
		filtered = append(filtered, line)
	}
	filtered = append(filtered, recordLine(hostname, domain, ip))

	if err := b.writeLines(filtered); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops lines matching (hostname, domain). Success even if none
// matched.
func (b *Backend) Remove(hostname, domain string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readLines()
	if err != nil {
		return false, err
	}

	prefix := recordPrefix(hostname, domain)
	filtered := lines[:0:0]
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			continue
		}
		filtered = append(filtered, line)
	}

	if err := b.writeLines(filtered); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAll drops every line whose quoted name contains "<hostname>."
// anywhere, regardless of domain. Success even if none matched.
func (b *Backend) RemoveAll(hostname string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readLines()
	if err != nil {
		return false, err
	}

	needle := `"` + hostname + "."
	filtered := lines[:0:0]
	for _, line := range lines {
		if strings.Contains(line, needle) {
			continue
		}
		filtered = append(filtered, line)
	}

	if err := b.writeLines(filtered); err != nil {
		return false, err
	}
	return true, nil
}

// Reload invokes the resolver reload action: either a subprocess bounded by
// the configured timeout, or touching the sentinel signal file.
func (b *Backend) Reload(ctx context.Context) (bool, error) {
	switch b.cfg.ReloadMode {
	case ReloadSignalFile:
		f, err := os.OpenFile(b.cfg.ReloadSignalPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return false, dnserr.Wrap(dnserr.LocalIO, "failed to touch reload signal file", err)
		}
		now := time.Now()
		f.Close()
		if err := os.Chtimes(b.cfg.ReloadSignalPath, now, now); err != nil {
			return false, dnserr.Wrap(dnserr.LocalIO, "failed to update reload signal timestamp", err)
		}
		return true, nil

	default:
		timeout := b.cfg.ReloadTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		reloadCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		fields := strings.Fields(b.cfg.ReloadCommand)
		if len(fields) == 0 {
			return false, dnserr.New(dnserr.Configuration, "no reload command configured")
		}
		cmd := exec.CommandContext(reloadCtx, fields[0], fields[1:]...)
		if err := cmd.Run(); err != nil {
			return false, dnserr.Wrap(dnserr.Transient, "reload command failed", err)
		}
		return true, nil
	}
}
