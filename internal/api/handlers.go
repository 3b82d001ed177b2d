package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-karan/meridian/internal/auth"
	"github.com/mr-karan/meridian/internal/errs"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/reachability"
	"github.com/mr-karan/meridian/internal/store"
)

// errorResponse is the {kind, detail} body the API handlers return on
// failure (§6). Rejections by the auth and panic-recovery middleware are
// plain-text bodies, not this shape.
type errorResponse struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeErr maps a store/reachability error through internal/errs to its
// wire body and status (§6).
func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	if e, ok := errs.As(err); ok {
		status := e.Kind.HTTPStatus()
		body := errorResponse{Kind: string(e.Kind), Detail: e.Detail}
		if status == http.StatusInternalServerError {
			logger.Error("internal api error", slog.Any("error", err))
			body.Detail = "internal error"
		}
		writeJSON(w, status, body)
		return
	}
	logger.Error("unclassified api error", slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Kind: string(errs.Internal), Detail: "internal error"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// peerWire is the JSON shape of store.Peer on the wire (§6: "compact
// JSON-like form"); net.IPNet has no JSON marshaler so cidrWire renders it
// as a string.
type peerWire struct {
	ID                  uint64    `json:"id"`
	Name                string    `json:"name"`
	PublicKey           string    `json:"public_key"`
	IP                  string    `json:"ip"`
	CidrID              uint64    `json:"cidr_id"`
	IsAdmin             bool      `json:"is_admin"`
	IsDisabled          bool      `json:"is_disabled"`
	IsRedeemed          bool      `json:"is_redeemed"`
	Endpoint            *string   `json:"endpoint,omitempty"`
	PersistentKeepalive *uint16   `json:"persistent_keepalive,omitempty"`
	Candidates          []string  `json:"candidates"`
	LastHandshake       *time.Time `json:"last_handshake,omitempty"`
}

type cidrWire struct {
	ID       uint64  `json:"id"`
	Name     string  `json:"name"`
	Cidr     string  `json:"cidr"`
	ParentID *uint64 `json:"parent_id,omitempty"`
	IsInfra  bool    `json:"is_infra"`
}

func toPeerWire(p store.Peer) peerWire {
	return peerWire{
		ID: p.ID, Name: p.Name, PublicKey: p.PublicKey.String(), IP: p.IP.String(),
		CidrID: p.CidrID, IsAdmin: p.IsAdmin, IsDisabled: p.IsDisabled, IsRedeemed: p.IsRedeemed,
		Endpoint: p.Endpoint, PersistentKeepalive: p.PersistentKeepalive,
		Candidates: p.Candidates, LastHandshake: p.LastHandshake,
	}
}

func toCidrWire(c store.Cidr) cidrWire {
	cidr := c.Cidr
	return cidrWire{ID: c.ID, Name: c.Name, Cidr: cidr.String(), ParentID: c.ParentID, IsInfra: c.IsInfra}
}

// handleUserState returns the caller's visible peers and cidrs (§4.3/§4.5).
func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.PeerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Kind: string(errs.Forbidden), Detail: "no authenticated peer"})
		return
	}

	st, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	vis := s.reach.Get(st)
	visible := reachability.VisiblePeers(st, vis, caller.ID)

	peers := make([]peerWire, 0, len(visible)+1)
	peers = append(peers, toPeerWire(caller))
	for _, p := range visible {
		peers = append(peers, toPeerWire(p))
	}
	cidrs := make([]cidrWire, 0, len(st.Cidrs))
	for _, c := range st.Cidrs {
		cidrs = append(cidrs, toCidrWire(c))
	}

	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "cidrs": cidrs})
}

type redeemRequest struct {
	PublicKey string `json:"public_key"`
}

// handleUserRedeem performs the one-shot invitation redemption (§4.4).
func (s *Server) handleUserRedeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.PeerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Kind: string(errs.Forbidden), Detail: "no authenticated peer"})
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	newKey, err := keys.Parse(req.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed public key"})
		return
	}

	redeemed, err := s.store.RedeemPeer(r.Context(), caller.PublicKey, newKey)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	writeJSON(w, http.StatusOK, toPeerWire(redeemed))
}

type endpointRequest struct {
	Socket string `json:"socket"`
}

// handleUserEndpoint lets a caller update their own confirmed endpoint.
func (s *Server) handleUserEndpoint(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PeerFromContext(r.Context())
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.UpdateEndpoint(r.Context(), caller.ID, req.Socket); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type candidatesRequest struct {
	Candidates []string `json:"candidates"`
}

// handleUserCandidates lets a caller replace their own reported NAT
// candidate list (§4.6/§4.8).
func (s *Server) handleUserCandidates(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PeerFromContext(r.Context())
	var req candidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.UpdateCandidates(r.Context(), caller.ID, req.Candidates); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminListPeers returns every peer, unfiltered by reachability (§4.5).
func (s *Server) handleAdminListPeers(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	peers := make([]peerWire, 0, len(st.Peers))
	for _, p := range st.Peers {
		peers = append(peers, toPeerWire(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

type createPeerRequest struct {
	Name          string `json:"name"`
	CidrID        uint64 `json:"cidr_id"`
	IP            string `json:"ip,omitempty"`
	IsAdmin       bool   `json:"is_admin"`
	InviteExpires string `json:"invite_expires"`
}

// handleAdminCreatePeer allocates a pending peer. Unlike the CLI's add-peer
// (which also emits a full invitation File with server endpoint info), the
// API surface returns just the store row; internal/invite wraps this for
// cmd/meridian.
func (s *Server) handleAdminCreatePeer(w http.ResponseWriter, r *http.Request) {
	var req createPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	ttl, err := time.ParseDuration(req.InviteExpires)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed invite_expires"})
		return
	}
	var ip net.IP
	if req.IP != "" {
		ip = net.ParseIP(req.IP)
		if ip == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed ip"})
			return
		}
	}

	placeholder, _, err := keys.Generate()
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	peer, err := s.store.CreatePendingPeer(r.Context(), req.Name, placeholder, req.CidrID, ip, req.IsAdmin, ttl)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	writeJSON(w, http.StatusCreated, toPeerWire(peer))
}

func parseIDVar(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)[name], 10, 64)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAdminRenamePeer(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.RenamePeer(r.Context(), id, req.Name); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminSetDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDVar(r, "id")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
			return
		}
		if err := s.store.SetDisabled(r.Context(), id, disabled); err != nil {
			writeErr(w, s.logger, err)
			return
		}
		s.reach.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAdminOverrideEndpoint lets an admin force a peer's recorded
// endpoint (§6 CLI surface: `override-endpoint`).
func (s *Server) handleAdminOverrideEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.UpdateEndpoint(r.Context(), id, req.Socket); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminSetListenPort sets the network-wide default WireGuard listen
// port (§6 CLI surface: `set-listen-port`).
func (s *Server) handleAdminSetListenPort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port uint16 `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.SetListenPort(r.Context(), req.Port); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListCidrs(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	cidrs := make([]cidrWire, 0, len(st.Cidrs))
	for _, c := range st.Cidrs {
		cidrs = append(cidrs, toCidrWire(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cidrs": cidrs})
}

type createCidrRequest struct {
	Name     string  `json:"name"`
	Cidr     string  `json:"cidr"`
	ParentID *uint64 `json:"parent_id,omitempty"`
	IsInfra  bool    `json:"is_infra"`
}

func (s *Server) handleAdminCreateCidr(w http.ResponseWriter, r *http.Request) {
	var req createCidrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	_, netw, err := net.ParseCIDR(req.Cidr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed cidr"})
		return
	}
	created, err := s.store.CreateCIDR(r.Context(), req.Name, *netw, req.ParentID, req.IsInfra)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	writeJSON(w, http.StatusCreated, toCidrWire(created))
}

func (s *Server) handleAdminRenameCidr(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	if err := s.store.RenameCIDR(r.Context(), id, req.Name); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminDeleteCidr(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
		return
	}
	if err := s.store.DeleteCIDR(r.Context(), id); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListAssociations(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"associations": st.Associations})
}

type createAssociationRequest struct {
	CidrAID uint64 `json:"cidr_a_id"`
	CidrBID uint64 `json:"cidr_b_id"`
}

func (s *Server) handleAdminCreateAssociation(w http.ResponseWriter, r *http.Request) {
	var req createAssociationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed body"})
		return
	}
	created, err := s.store.AddAssociation(r.Context(), req.CidrAID, req.CidrBID)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAdminDeleteAssociation(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(errs.Invalid), Detail: "malformed id"})
		return
	}
	if err := s.store.DeleteAssociation(r.Context(), id); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	s.reach.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}
