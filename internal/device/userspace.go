package device

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
	"golang.zx2c4.com/wireguard/conn"
	wgdevice "golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// Userspace is a wireguard-go + netstack backed Device, generalized from
// the teacher's single-peer tunnel.Tunnel into a multi-peer device whose
// ApplyPeers rewrites the whole peer set in one call.
type Userspace struct {
	name string

	mu   sync.Mutex
	dev  *wgdevice.Device
	tnet *netstack.Net
}

// NewUserspace constructs an unstarted userspace device; CreateInterface
// brings it up.
func NewUserspace(name string) *Userspace {
	return &Userspace{name: name}
}

func (u *Userspace) CreateInterface(privateKey keys.Key, address net.IPNet, listenPort int, mtu int) error {
	addr, ok := netip.AddrFromSlice(address.IP.To4())
	if !ok {
		addr, ok = netip.AddrFromSlice(address.IP.To16())
		if !ok {
			return fmt.Errorf("device: invalid interface address %s", address.IP)
		}
	}

	tun, tnet, err := netstack.CreateNetTUN(
		[]netip.Addr{addr},
		[]netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")},
		mtu,
	)
	if err != nil {
		return fmt.Errorf("device: create netstack tun: %w", err)
	}

	dev := wgdevice.NewDevice(tun, conn.NewDefaultBind(), wgdevice.NewLogger(wgdevice.LogLevelError, u.name+": "))

	cfg := fmt.Sprintf("private_key=%s\nlisten_port=%d\n", hex.EncodeToString(privateKey[:]), listenPort)
	if err := dev.IpcSet(cfg); err != nil {
		tun.Close()
		return fmt.Errorf("device: configure: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("device: up: %w", err)
	}

	u.mu.Lock()
	u.dev, u.tnet = dev, tnet
	u.mu.Unlock()
	return nil
}

func (u *Userspace) DeleteInterface() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil
	}
	u.dev.Close()
	u.dev = nil
	return nil
}

// ApplyPeers replaces the device's full peer set in one IPC call
// (`replace_peers=true`), which makes the operation idempotent without
// needing to diff against what was previously configured — the kind of
// multi-peer reconciliation the teacher's single-peer AddPeer never had to
// do.
func (u *Userspace) ApplyPeers(want []PeerConfig) error {
	u.mu.Lock()
	dev := u.dev
	u.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("device: interface not created")
	}

	var b strings.Builder
	b.WriteString("replace_peers=true\n")
	for _, p := range want {
		b.WriteString("public_key=" + hex.EncodeToString(p.PublicKey[:]) + "\n")
		b.WriteString("replace_allowed_ips=true\n")
		for _, ip := range p.AllowedIPs {
			b.WriteString("allowed_ip=" + ip.String() + "\n")
		}
		if p.Endpoint != "" {
			b.WriteString("endpoint=" + p.Endpoint + "\n")
		}
		if p.PersistentKeepalive > 0 {
			b.WriteString("persistent_keepalive_interval=" + strconv.Itoa(int(p.PersistentKeepalive.Seconds())) + "\n")
		}
	}
	if err := dev.IpcSet(b.String()); err != nil {
		return fmt.Errorf("device: apply peers: %w", err)
	}
	return nil
}

// ReadPeers parses the IPC "get" response for each peer's handshake time.
func (u *Userspace) ReadPeers() ([]PeerStatus, error) {
	u.mu.Lock()
	dev := u.dev
	u.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("device: interface not created")
	}

	raw, err := dev.IpcGet()
	if err != nil {
		return nil, fmt.Errorf("device: ipc get: %w", err)
	}

	var out []PeerStatus
	var cur *PeerStatus
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			if cur != nil {
				out = append(out, *cur)
			}
			decoded, err := hex.DecodeString(val)
			if err != nil || len(decoded) != 32 {
				cur = nil
				continue
			}
			var pk keys.Key
			copy(pk[:], decoded)
			cur = &PeerStatus{PublicKey: pk}
		case "last_handshake_time_sec":
			if cur == nil {
				continue
			}
			sec, err := strconv.ParseInt(val, 10, 64)
			if err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0).UTC()
			}
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}
