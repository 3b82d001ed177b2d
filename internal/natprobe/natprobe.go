// Package natprobe collects the NAT candidate addresses the client
// publishes via PUT /v1/user/candidates (spec §4.8): local interface
// addresses plus a best-effort public (STUN-derived) address. Every step
// swallows its own error — a probe that can't run just yields fewer
// candidates, it never fails the reconciliation loop.
package natprobe

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

// maxCandidates bounds how many local candidates LocalCandidates returns
// (spec §4.8: "at most a handful").
const maxCandidates = 10

// LocalCandidates enumerates non-loopback interface addresses, skipping any
// contained in excluded (the overlay's own CIDRs — no point advertising an
// address that's already part of the tunnel).
func LocalCandidates(excluded []net.IPNet, port int) []netip.AddrPort {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	seen := make(map[netip.Addr]bool)
	out := make([]netip.AddrPort, 0, maxCandidates)
	for _, iface := range ifaces {
		if len(out) >= maxCandidates {
			break
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if isExcluded(ipNet.IP, excluded) {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok {
				addr, ok = netip.AddrFromSlice(ipNet.IP.To16())
				if !ok {
					continue
				}
			}
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, netip.AddrPortFrom(addr, uint16(port)))
			if len(out) >= maxCandidates {
				break
			}
		}
	}
	return out
}

func isExcluded(ip net.IP, excluded []net.IPNet) bool {
	for _, e := range excluded {
		if e.Contains(ip) {
			return true
		}
	}
	return false
}

// PublicCandidate sends one STUN binding request to stunServer from
// localPort and parses XOR-MAPPED-ADDRESS out of the response. Returns
// false on any failure — timeouts, unreachable servers and malformed
// responses are all just "no public candidate this round".
func PublicCandidate(ctx context.Context, stunServer string, localPort int) (netip.AddrPort, bool) {
	dialer := net.Dialer{LocalAddr: &net.UDPAddr{Port: localPort}}
	conn, err := dialer.DialContext(ctx, "udp4", stunServer)
	if err != nil {
		return netip.AddrPort{}, false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	}

	client, err := stun.NewClient(conn)
	if err != nil {
		return netip.AddrPort{}, false
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var result netip.AddrPort
	var ok bool
	done := make(chan struct{})
	err = client.Do(msg, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			return
		}
		addr, aok := netip.AddrFromSlice(xorAddr.IP)
		if !aok {
			return
		}
		result = netip.AddrPortFrom(addr, uint16(xorAddr.Port))
		ok = true
	})
	if err != nil {
		return netip.AddrPort{}, false
	}
	<-done
	return result, ok
}
