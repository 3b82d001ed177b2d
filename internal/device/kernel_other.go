//go:build !linux

package device

import (
	"fmt"
	"net"

	"github.com/mr-karan/meridian/internal/keys"
)

// Kernel is unsupported outside Linux: netlink device management is a
// Linux-only concern (spec §4.7 lists kernel/userspace; only Linux gets
// the kernel backend, matching jcodybaker-wgmesh's +build linux split).
type Kernel struct{}

// NewKernel always fails on non-Linux platforms, causing Select("auto") to
// fall back to the userspace backend.
func NewKernel(ifaceName string) (*Kernel, error) {
	return nil, fmt.Errorf("device: kernel backend not supported on this platform")
}

func (k *Kernel) CreateInterface(privateKey keys.Key, address net.IPNet, listenPort int, mtu int) error {
	return fmt.Errorf("device: kernel backend not supported on this platform")
}

func (k *Kernel) DeleteInterface() error { return nil }

func (k *Kernel) ApplyPeers(want []PeerConfig) error {
	return fmt.Errorf("device: kernel backend not supported on this platform")
}

func (k *Kernel) ReadPeers() ([]PeerStatus, error) {
	return nil, fmt.Errorf("device: kernel backend not supported on this platform")
}
