// Package reconcile implements the client-side reconciliation loop (spec
// §4.6): pull the coordination server's view of the network, diff it
// against the local device state, apply the result, and report back this
// peer's own reachability information (endpoint, NAT candidates,
// handshakes).
package reconcile

import (
	"context"
	"log/slog"
	"net"
	"reflect"
	"sort"
	"time"

	"github.com/mr-karan/meridian/internal/apiclient"
	"github.com/mr-karan/meridian/internal/device"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/natprobe"
)

// recentHandshakeWindow is how fresh a handshake must be to count as
// "recently connected" and therefore skip NAT re-probing (spec §4.6).
const recentHandshakeWindow = 180 * time.Second

// Config configures one reconciliation Loop.
type Config struct {
	Client        *apiclient.Client
	Device        device.Device
	Logger        *slog.Logger
	Interval      time.Duration
	ListenPort    int
	StunServers   []string
	ExcludedCidrs []net.IPNet
}

// Loop runs repeated reconciliation passes. It keeps a round-robin cursor
// per peer over that peer's reported candidates, and one cursor over the
// STUN servers, so repeated passes try different candidates and servers
// rather than hammering the same one (spec §4.6 "round-robin NAT-candidate
// probing").
type Loop struct {
	cfg Config

	cursor        map[uint64]int // per-peer NAT candidate round-robin index
	stunCursor    int            // STUN server round-robin index
	lastHandshake map[uint64]time.Time
}

// NewLoop constructs a Loop ready to Run.
func NewLoop(cfg Config) *Loop {
	return &Loop{
		cfg:           cfg,
		cursor:        make(map[uint64]int),
		lastHandshake: make(map[uint64]time.Time),
	}
}

// Run executes reconciliation passes on cfg.Interval until ctx is
// cancelled. It always performs one pass immediately.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.pass(ctx); err != nil {
		l.cfg.Logger.Error("reconcile pass failed", slog.Any("error", err))
	}

	if l.cfg.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.pass(ctx); err != nil {
				l.cfg.Logger.Error("reconcile pass failed", slog.Any("error", err))
			}
		}
	}
}

// pass is one iteration of the four steps spec §4.6 lists for `up`.
func (l *Loop) pass(ctx context.Context) error {
	st, err := l.cfg.Client.UserState(ctx)
	if err != nil {
		return err
	}

	want := make([]device.PeerConfig, 0, len(st.Peers))
	selfCandidates := map[uint64]bool{}
	for _, p := range st.Peers {
		if p.IsDisabled {
			continue
		}
		pub, err := keys.Parse(p.PublicKey)
		if err != nil {
			l.cfg.Logger.Warn("skipping peer with malformed public key", slog.Uint64("peer_id", p.ID))
			continue
		}
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		pc := device.PeerConfig{
			PublicKey:  pub,
			AllowedIPs: []net.IPNet{{IP: ip, Mask: fullMask(ip)}},
		}
		if p.PersistentKeepalive != nil {
			pc.PersistentKeepalive = time.Duration(*p.PersistentKeepalive) * time.Second
		}
		pc.Endpoint = l.selectEndpoint(p.ID, p.Endpoint, p.Candidates)

		want = append(want, pc)
		selfCandidates[p.ID] = true
	}
	sortPeers(want)

	if err := l.cfg.Device.ApplyPeers(want); err != nil {
		return err
	}

	statuses, err := l.cfg.Device.ReadPeers()
	if err != nil {
		l.cfg.Logger.Warn("reading device peer status failed", slog.Any("error", err))
		statuses = nil
	}
	for _, s := range statuses {
		for _, p := range st.Peers {
			if p.PublicKey == s.PublicKey.String() && !s.LastHandshake.IsZero() {
				l.lastHandshake[p.ID] = s.LastHandshake
			}
		}
	}

	l.probeNAT(ctx)
	return nil
}

// probeNAT collects this peer's own candidates and publishes them if the
// handshake isn't recent — a peer that's already connected doesn't need to
// keep re-advertising reachability (spec §4.6's "recent handshake" skip).
func (l *Loop) probeNAT(ctx context.Context) {
	recent := false
	for _, hs := range l.lastHandshake {
		if time.Since(hs) < recentHandshakeWindow {
			recent = true
			break
		}
	}
	if recent {
		return
	}

	candidates := make([]string, 0, 8)
	for _, c := range natprobe.LocalCandidates(l.cfg.ExcludedCidrs, l.cfg.ListenPort) {
		candidates = append(candidates, c.String())
	}

	if len(l.cfg.StunServers) > 0 {
		server := l.cfg.StunServers[l.nextStunIndex()%len(l.cfg.StunServers)]
		if addr, ok := natprobe.PublicCandidate(ctx, server, l.cfg.ListenPort); ok {
			candidates = append(candidates, addr.String())
		}
	}

	if err := l.cfg.Client.PutCandidates(ctx, candidates); err != nil {
		l.cfg.Logger.Warn("publishing candidates failed", slog.Any("error", err))
	}
}

// selectEndpoint implements step 3 of spec §4.6's reconciliation pass: a
// peer with a recent handshake keeps its confirmed endpoint, with its
// candidate cursor reset so it starts over the next time it goes quiet. A
// peer without one gets the next reported candidate tried in round-robin,
// bounded and stateful across cycles, falling back to the confirmed
// endpoint if it has reported no candidates at all.
func (l *Loop) selectEndpoint(peerID uint64, confirmed *string, candidates []string) string {
	hs, hasHandshake := l.lastHandshake[peerID]
	recent := hasHandshake && time.Since(hs) < recentHandshakeWindow

	switch {
	case recent:
		delete(l.cursor, peerID)
		if confirmed != nil {
			return *confirmed
		}
		return ""
	case len(candidates) > 0:
		idx := l.cursor[peerID] % len(candidates)
		l.cursor[peerID] = idx + 1
		return candidates[idx]
	case confirmed != nil:
		return *confirmed
	default:
		return ""
	}
}

// nextStunIndex advances the round-robin cursor across STUN servers.
func (l *Loop) nextStunIndex() int {
	i := l.stunCursor
	l.stunCursor = i + 1
	return i
}

func fullMask(ip net.IP) net.IPMask {
	if ip.To4() != nil {
		return net.CIDRMask(32, 32)
	}
	return net.CIDRMask(128, 128)
}

func sortPeers(peers []device.PeerConfig) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].PublicKey.String() < peers[j].PublicKey.String()
	})
}

// equalPeerConfigs is used by tests to assert ApplyPeers idempotence.
func equalPeerConfigs(a, b []device.PeerConfig) bool {
	return reflect.DeepEqual(a, b)
}
