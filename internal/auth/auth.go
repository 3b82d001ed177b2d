// Package auth implements the coordination API's tunnel-implicit
// authentication (spec §4.5/§9): a WireGuard-authenticated packet's source
// IP inside the tunnel identifies the caller, matched against the store's
// peer table. There are no passwords or bearer tokens.
package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/mr-karan/meridian/internal/metrics"
	"github.com/mr-karan/meridian/internal/store"
)

type contextKey string

// ContextKeyPeer is the context key the authenticated caller's peer row is
// stored under.
const ContextKeyPeer contextKey = "peer"

// Store is the subset of *store.Store the authenticator needs.
type Store interface {
	Snapshot(ctx context.Context) (store.State, error)
}

// Authenticator resolves the request's source IP to an active peer.
type Authenticator struct {
	store  Store
	logger *slog.Logger
}

// New creates a new tunnel-implicit authenticator.
func New(st Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: st, logger: logger}
}

// Middleware rejects requests whose source IP is not an active,
// non-disabled, redeemed peer (spec §9: implementers MUST refuse all
// others), and stashes the resolved peer in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		sourceIP := net.ParseIP(host)
		if sourceIP == nil {
			metrics.AuthFailures.Inc()
			http.Error(w, "unrecognized source address", http.StatusForbidden)
			return
		}

		st, err := a.store.Snapshot(r.Context())
		if err != nil {
			a.logger.Error("auth: snapshot failed", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		peer, ok := st.PeerByIP(sourceIP)
		if !ok || !peer.IsRedeemed || peer.IsDisabled {
			metrics.AuthFailures.Inc()
			a.logger.Warn("rejected request from unrecognized or inactive source",
				slog.String("ip", sourceIP.String()))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		metrics.AuthSuccesses.Inc()
		ctx := context.WithValue(r.Context(), ContextKeyPeer, peer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MiddlewarePending is like Middleware but also admits a peer whose
// invitation has not yet been redeemed, since a pending peer's only
// reachable route is POST /v1/user/redeem (spec §4.4: the throwaway
// keypair already has a tunnel to the server before redemption).
func (a *Authenticator) MiddlewarePending(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		sourceIP := net.ParseIP(host)
		if sourceIP == nil {
			metrics.AuthFailures.Inc()
			http.Error(w, "unrecognized source address", http.StatusForbidden)
			return
		}

		st, err := a.store.Snapshot(r.Context())
		if err != nil {
			a.logger.Error("auth: snapshot failed", slog.Any("error", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		peer, ok := st.PeerByIP(sourceIP)
		if !ok || peer.IsDisabled {
			metrics.AuthFailures.Inc()
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		metrics.AuthSuccesses.Inc()
		ctx := context.WithValue(r.Context(), ContextKeyPeer, peer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates a handler chain on the authenticated peer's is_admin
// bit (spec §4.5: "Two surfaces, admin-gated on peer.is_admin").
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := PeerFromContext(r.Context())
		if !ok || !peer.IsAdmin {
			metrics.AuthFailures.Inc()
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PeerFromContext retrieves the authenticated caller's peer row.
func PeerFromContext(ctx context.Context) (store.Peer, bool) {
	p, ok := ctx.Value(ContextKeyPeer).(store.Peer)
	return p, ok
}
