//go:build linux

package device

import (
	"fmt"
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Kernel drives an in-kernel WireGuard device via wgctrl + netlink,
// grounded on jcodybaker-wgmesh's pkg/interfaces/wireguard_linux.go. Unlike
// the teacher's (userspace-only) tunnel.Tunnel, this backend needs root and
// a kernel with the wireguard module loaded.
type Kernel struct {
	name   string
	client *wgctrl.Client
	link   netlink.Link
}

// NewKernel opens a wgctrl client and creates (or finds) the named link.
func NewKernel(ifaceName string) (*Kernel, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("device: wgctrl unavailable: %w", err)
	}
	return &Kernel{name: ifaceName, client: client}, nil
}

func (k *Kernel) CreateInterface(privateKey keys.Key, address net.IPNet, listenPort int, mtu int) error {
	link := &netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: k.name, MTU: mtu},
		LinkType:  "wireguard",
	}
	if err := netlink.LinkAdd(link); err != nil && !isExistsErr(err) {
		return fmt.Errorf("device: create link %q: %w", k.name, err)
	}
	l, err := netlink.LinkByName(k.name)
	if err != nil {
		return fmt.Errorf("device: lookup link %q: %w", k.name, err)
	}
	k.link = l

	if err := netlink.AddrReplace(l, &netlink.Addr{IPNet: &address}); err != nil {
		return fmt.Errorf("device: set address: %w", err)
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("device: link up: %w", err)
	}

	var priv wgtypes.Key
	copy(priv[:], privateKey[:])
	cfg := wgtypes.Config{PrivateKey: &priv, ListenPort: &listenPort, ReplacePeers: true}
	if err := k.client.ConfigureDevice(k.name, cfg); err != nil {
		return fmt.Errorf("device: configure: %w", err)
	}
	return nil
}

func (k *Kernel) DeleteInterface() error {
	if k.link == nil {
		l, err := netlink.LinkByName(k.name)
		if err != nil {
			return fmt.Errorf("device: lookup link %q: %w", k.name, err)
		}
		k.link = l
	}
	if err := netlink.LinkDel(k.link); err != nil && !isNotExistErr(err) {
		return fmt.Errorf("device: delete link %q: %w", k.name, err)
	}
	return nil
}

func (k *Kernel) ApplyPeers(want []PeerConfig) error {
	peers := make([]wgtypes.PeerConfig, 0, len(want))
	for _, p := range want {
		var pub wgtypes.Key
		copy(pub[:], p.PublicKey[:])

		allowed := make([]net.IPNet, len(p.AllowedIPs))
		copy(allowed, p.AllowedIPs)

		pc := wgtypes.PeerConfig{
			PublicKey:                   pub,
			AllowedIPs:                  allowed,
			ReplaceAllowedIPs:           true,
			PersistentKeepaliveInterval: durationPtr(p.PersistentKeepalive),
		}
		if p.Endpoint != "" {
			if addr, err := net.ResolveUDPAddr("udp", p.Endpoint); err == nil {
				pc.Endpoint = addr
			}
		}
		peers = append(peers, pc)
	}

	return k.client.ConfigureDevice(k.name, wgtypes.Config{ReplacePeers: true, Peers: peers})
}

func (k *Kernel) ReadPeers() ([]PeerStatus, error) {
	dev, err := k.client.Device(k.name)
	if err != nil {
		return nil, fmt.Errorf("device: read %q: %w", k.name, err)
	}
	out := make([]PeerStatus, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		var pk keys.Key
		copy(pk[:], p.PublicKey[:])
		out = append(out, PeerStatus{PublicKey: pk, LastHandshake: p.LastHandshakeTime})
	}
	return out, nil
}

func durationPtr(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

func isExistsErr(err error) bool {
	return err != nil && err.Error() == "file exists"
}

func isNotExistErr(err error) bool {
	return err != nil && (err.Error() == "no such device" || err.Error() == "link not found")
}
