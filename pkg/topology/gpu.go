package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// DefaultDevicePattern matches accelerator device files on the host
const DefaultDevicePattern = "/dev/nvidia[0-9]*"

// GresBinding binds one GPU device file to a node
type GresBinding struct {
	Node string
	Name string
	File string
}

// DeviceEnumerator finds or fabricates the device files backing the local
// node's GPU share
type DeviceEnumerator struct {
	// Pattern is the glob for real device files
	Pattern string
	// PlaceholderDir receives synthesized files when no device is present
	PlaceholderDir string
}

// NewDeviceEnumerator creates an enumerator that synthesizes placeholders
// under <sharedDir>/gpus
func NewDeviceEnumerator(sharedDir string) *DeviceEnumerator {
	return &DeviceEnumerator{
		Pattern:        DefaultDevicePattern,
		PlaceholderDir: filepath.Join(sharedDir, "gpus"),
	}
}

// Bindings returns the GRES bindings of node for a share of n GPUs. Real
// devices are used in lexical order; when there are fewer than n, placeholder
// files under PlaceholderDir/<node> make up the difference so gres.conf always
// lists as many devices as the node's Gres count.
func (d *DeviceEnumerator) Bindings(node string, n int) ([]GresBinding, error) {
	if n <= 0 {
		return nil, nil
	}

	devices, err := filepath.Glob(d.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid device pattern %q: %w", d.Pattern, err)
	}
	sort.Strings(devices)

	if len(devices) > n {
		devices = devices[:n]
	}
	if missing := n - len(devices); missing > 0 {
		if len(devices) > 0 {
			logger := log.WithComponent("topology")
			logger.Warn().Str("node", node).Int("devices", len(devices)).Int("share", n).
				Msg("Fewer GPU devices than the node's share, adding placeholders")
		}
		extra, err := d.placeholders(node, len(devices), n)
		if err != nil {
			return nil, err
		}
		devices = append(devices, extra...)
	}

	bindings := make([]GresBinding, 0, len(devices))
	for _, dev := range devices {
		bindings = append(bindings, GresBinding{Node: node, Name: "gpu", File: dev})
	}
	return bindings, nil
}

// placeholders creates gpu<from> .. gpu<to-1> for node
func (d *DeviceEnumerator) placeholders(node string, from, to int) ([]string, error) {
	dir := filepath.Join(d.PlaceholderDir, node)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create placeholder device directory: %w", err)
	}

	paths := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		p := filepath.Join(dir, fmt.Sprintf("gpu%d", i))
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to create placeholder device %s: %w", p, err)
		}
		f.Close()
		paths = append(paths, p)
	}
	return paths, nil
}
