// Package flannel reads the flannel subnet descriptor so the hybrid
// dispatcher can derive a synthetic "flannel" domain alongside the
// per-network domains it derives from Docker network attachments.
package flannel

import (
	"bufio"
	"os"
	"strings"
)

// DefaultSubnetEnvPath is where the flannel CNI plugin writes its subnet
// descriptor.
const DefaultSubnetEnvPath = "/var/run/flannel/subnet.env"

// ReadNetworkCIDR parses the shell-style KEY=VALUE file at path and returns
// the FLANNEL_NETWORK value. Returns ("", nil) if the file does not exist,
// so callers treat "no flannel" the same as "flannel domain not configured".
func ReadNetworkCIDR(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "FLANNEL_NETWORK" {
			return strings.Trim(strings.TrimSpace(value), `"`), nil
		}
	}
	return "", scanner.Err()
}
