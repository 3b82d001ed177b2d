package invite

import (
	"context"
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/store"
)

// CreateRequest describes an add-peer invocation (spec §4.4).
type CreateRequest struct {
	Name    string
	CidrID  uint64
	IP      net.IP // nil means --auto-ip
	IsAdmin bool
	TTL     time.Duration

	NetworkName      string
	ExternalEndpoint string
	InternalEndpoint string
	ServerPublicKey  keys.Key
	NetworkCidr      string
	ListenPort       *uint16
}

// Create atomically allocates an IP, generates a throwaway keypair, inserts
// the pending peer row (placeholder public key = the throwaway public key)
// and returns the invitation file to hand to the new peer out-of-band. The
// throwaway private key lives only in the returned File: the store never
// sees it, and it authenticates exactly the one redeem call (spec §4.4/§9).
func Create(ctx context.Context, st *store.Store, req CreateRequest) (File, store.Peer, error) {
	throwawayPriv, throwawayPub, err := keys.Generate()
	if err != nil {
		return File{}, store.Peer{}, err
	}

	peer, err := st.CreatePendingPeer(ctx, req.Name, throwawayPub, req.CidrID, req.IP, req.IsAdmin, req.TTL)
	if err != nil {
		return File{}, store.Peer{}, err
	}

	var f File
	f.Server.ExternalEndpoint = req.ExternalEndpoint
	f.Server.InternalEndpoint = req.InternalEndpoint
	f.Server.PublicKey = req.ServerPublicKey
	f.Server.NetworkCidr = req.NetworkCidr
	f.Interface.NetworkName = req.NetworkName
	f.Interface.Address = peer.IP.String()
	f.Interface.ListenPort = req.ListenPort
	f.Peer.PrivateKey = throwawayPriv
	f.Peer.Name = peer.Name

	return f, peer, nil
}

// Redeem performs the at-most-once compare-and-swap described in spec §4.4:
// the caller authenticates with the invitation's throwaway public key and
// supplies the new, peer-chosen public key that replaces it.
func Redeem(ctx context.Context, st *store.Store, invitationPublicKey, newPublicKey keys.Key) (store.Peer, error) {
	return st.RedeemPeer(ctx, invitationPublicKey, newPublicKey)
}
