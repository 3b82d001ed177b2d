// Package device abstracts the WireGuard interface the reconciliation loop
// drives, so internal/reconcile can run against either a kernel module
// (Linux, via wgctrl+netlink) or a userspace driver (wireguard-go+netstack)
// without knowing which (spec §4.7).
package device

import (
	"fmt"
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
)

// PeerConfig is the desired configuration of one WireGuard peer, derived
// from a visible store.Peer (spec §4.6: "diff against current device
// state").
type PeerConfig struct {
	PublicKey           keys.Key
	AllowedIPs          []net.IPNet
	Endpoint            string // host:port, empty if unknown
	PersistentKeepalive time.Duration
}

// PeerStatus is what ReadPeers reports back about a live peer, used by the
// reconciliation loop to track each peer's last handshake.
type PeerStatus struct {
	PublicKey     keys.Key
	LastHandshake time.Time
}

// Device is the minimal surface the reconciliation loop needs.
type Device interface {
	// CreateInterface brings up the local WireGuard interface with the
	// given private key and address.
	CreateInterface(privateKey keys.Key, address net.IPNet, listenPort int, mtu int) error
	// DeleteInterface tears the interface down.
	DeleteInterface() error
	// ApplyPeers reconciles the device's configured peer set to exactly
	// match want, adding, updating and removing peers as needed.
	ApplyPeers(want []PeerConfig) error
	// ReadPeers returns the public key and last handshake time of every
	// configured peer. Endpoints and traffic counters are not reported.
	ReadPeers() ([]PeerStatus, error)
}

// Backend names the two device implementations §4.7 enumerates.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendKernel    Backend = "kernel"
	BackendUserspace Backend = "userspace"
)

// Select constructs the requested backend. "auto" prefers kernel, falling
// back to userspace if the kernel module is unavailable (spec §4.7: "kernel
// preferred on auto").
func Select(backend string, ifaceName string) (Device, error) {
	switch Backend(backend) {
	case BackendKernel:
		return NewKernel(ifaceName)
	case BackendUserspace:
		return NewUserspace(ifaceName), nil
	case BackendAuto, "":
		if d, err := NewKernel(ifaceName); err == nil {
			return d, nil
		}
		return NewUserspace(ifaceName), nil
	default:
		return nil, fmt.Errorf("device: unknown backend %q", backend)
	}
}
