// Admin subcommands run directly against the coordination server's data
// store (they're invoked on the coordinator host, the same way innernet's
// server-side CLI operates — there's no bootstrapping admin peer to
// authenticate an HTTP call with before the first CIDR/peer exists).
package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mr-karan/meridian/internal/config"
	"github.com/mr-karan/meridian/internal/invite"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/store"
	"github.com/spf13/cobra"
)

func openAdminStore(gf *globalFlags, cfgPath string) (*store.Store, error) {
	st, _, err := openAdminStoreWithConfig(gf, cfgPath)
	return st, err
}

func openAdminStoreWithConfig(gf *globalFlags, cfgPath string) (*store.Store, *config.Server, error) {
	logger := newLogger(gf)
	ko, err := config.Load(nil, cfgPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.ParseServer(ko)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func newNewCmd(gf *globalFlags) *cobra.Command {
	var (
		cfgPath        string
		name           string
		cidr           string
		infraName      string
		infraCidr      string
		serverPeerName string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "initialize a new network: root cidr, infra cidr, and the server's own infra peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openAdminStoreWithConfig(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			_, rootNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("invalid root cidr: %w", err)
			}
			root, err := st.CreateCIDR(ctx, name, *rootNet, nil, false)
			if err != nil {
				return err
			}
			_, infraNet, err := net.ParseCIDR(infraCidr)
			if err != nil {
				return fmt.Errorf("invalid infra cidr: %w", err)
			}
			infra, err := st.CreateCIDR(ctx, infraName, *infraNet, &root.ID, true)
			if err != nil {
				return err
			}

			// The server is itself an overlay peer (spec §4.3 rule 2) and
			// must have a redeemed infra peer row before `add-peer` can
			// reference it for an invitation's server.public_key and
			// server.internal_endpoint (spec §4.4, §8 S1/S2).
			priv, err := loadOrCreateServerKey(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("server identity: %w", err)
			}
			pub, err := keys.Public(priv)
			if err != nil {
				return err
			}
			serverIP, _, ok := firstUsableAddr(*infraNet)
			if !ok {
				return fmt.Errorf("infra cidr %s has no usable address", infraNet.String())
			}
			serverPeer, err := st.CreateServerPeer(ctx, serverPeerName, pub, infra.ID, serverIP)
			if err != nil {
				return fmt.Errorf("seed server infra peer: %w", err)
			}

			fmt.Printf("created network %q (cidr id %d), infra cidr %q (cidr id %d), server peer %q (id %d, ip %s)\n",
				name, root.ID, infraName, infra.ID, serverPeer.Name, serverPeer.ID, serverPeer.IP)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().StringVar(&name, "name", "", "network (root cidr) name")
	cmd.Flags().StringVar(&cidr, "cidr", "", "root cidr, e.g. 10.66.0.0/16")
	cmd.Flags().StringVar(&infraName, "infra-name", "infra", "infra cidr name")
	cmd.Flags().StringVar(&infraCidr, "infra-cidr", "", "infra cidr, e.g. 10.66.0.0/24")
	cmd.Flags().StringVar(&serverPeerName, "server-peer-name", "server", "name of the server's own infra peer")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cidr")
	_ = cmd.MarkFlagRequired("infra-cidr")
	return cmd
}

func newAddPeerCmd(gf *globalFlags) *cobra.Command {
	var (
		cfgPath          string
		name             string
		cidrID           uint64
		ip               string
		autoIP           bool
		isAdmin          bool
		inviteExpires    time.Duration
		out              string
		externalEndpoint string
	)
	cmd := &cobra.Command{
		Use:   "add-peer",
		Short: "invite a new peer, writing its invitation file to --out",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openAdminStoreWithConfig(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			if !autoIP && ip == "" {
				return fmt.Errorf("either --ip or --auto-ip is required")
			}
			var parsedIP net.IP
			if !autoIP {
				parsedIP = net.ParseIP(ip)
				if parsedIP == nil {
					return fmt.Errorf("invalid --ip %q", ip)
				}
			}

			snap, err := st.Snapshot(ctx)
			if err != nil {
				return err
			}
			if _, ok := snap.CidrByID(cidrID); !ok {
				return fmt.Errorf("cidr %d not found", cidrID)
			}
			infra, ok := snap.InfraCidr()
			if !ok {
				return fmt.Errorf("network has no infra cidr")
			}
			infraPeer, hasInfraPeer := findServerPeer(snap, infra.ID)
			if !hasInfraPeer {
				return fmt.Errorf("server has no infra peer row yet; run `meridian new` first")
			}
			internalEndpoint, err := joinHostPort(infraPeer.IP.String(), cfg.HTTPListenAddr)
			if err != nil {
				return fmt.Errorf("server http-listen-addr: %w", err)
			}

			root, _ := snap.RootCidr()
			f, peer, err := invite.Create(ctx, st, invite.CreateRequest{
				Name: name, CidrID: cidrID, IP: parsedIP, IsAdmin: isAdmin, TTL: inviteExpires,
				NetworkName:      root.Name,
				ExternalEndpoint: externalEndpoint,
				InternalEndpoint: internalEndpoint,
				ServerPublicKey:  infraPeer.PublicKey,
				NetworkCidr:      root.Cidr.String(),
			})
			if err != nil {
				return err
			}
			if err := writeInviteFile(out, f); err != nil {
				return err
			}
			fmt.Printf("created pending peer %q (id %d, ip %s); invitation written to %s\n", peer.Name, peer.ID, peer.IP, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().StringVar(&name, "name", "", "peer name")
	cmd.Flags().Uint64Var(&cidrID, "cidr", 0, "cidr id the peer belongs to")
	cmd.Flags().StringVar(&ip, "ip", "", "explicit peer ip")
	cmd.Flags().BoolVar(&autoIP, "auto-ip", false, "allocate the next free ip in the cidr")
	cmd.Flags().BoolVar(&isAdmin, "is-admin", false, "grant admin privileges")
	cmd.Flags().DurationVar(&inviteExpires, "invite-expires", time.Hour, "invitation validity window")
	cmd.Flags().StringVar(&out, "out", "invite.toml", "path to write the invitation file")
	cmd.Flags().StringVar(&externalEndpoint, "external-endpoint", "", "server's externally-reachable host:port")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cidr")
	_ = cmd.MarkFlagRequired("external-endpoint")
	return cmd
}

// joinHostPort builds a host:port internal_endpoint (spec §6) from a bare
// IP and the server's listen address (which may itself be bare ":8080" or
// a full "0.0.0.0:8080").
func joinHostPort(host, listenAddr string) (string, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

func findServerPeer(st store.State, infraCidrID uint64) (store.Peer, bool) {
	for _, p := range st.Peers {
		if p.CidrID == infraCidrID && p.IsAdmin && p.IsRedeemed {
			return p, true
		}
	}
	return store.Peer{}, false
}

func writeInviteFile(path string, f invite.File) error {
	return writeFile(path, f.Encode())
}

func newRenamePeerCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	var id uint64
	var name string
	cmd := &cobra.Command{
		Use:   "rename-peer",
		Short: "rename a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.RenamePeer(context.Background(), id, name)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "peer id")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	return cmd
}

func newDisablePeerCmd(gf *globalFlags) *cobra.Command { return newSetDisabledCmd(gf, "disable-peer", true) }
func newEnablePeerCmd(gf *globalFlags) *cobra.Command  { return newSetDisabledCmd(gf, "enable-peer", false) }

func newSetDisabledCmd(gf *globalFlags, use string, disabled bool) *cobra.Command {
	var cfgPath string
	var id uint64
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s a peer", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SetDisabled(context.Background(), id, disabled)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "peer id")
	return cmd
}

func newAddCidrCmd(gf *globalFlags) *cobra.Command {
	var cfgPath, name, cidr string
	var parentID uint64
	var isInfra bool
	cmd := &cobra.Command{
		Use:   "add-cidr",
		Short: "create a child cidr",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			_, netw, err := net.ParseCIDR(cidr)
			if err != nil {
				return err
			}
			var parent *uint64
			if parentID != 0 {
				parent = &parentID
			}
			created, err := st.CreateCIDR(context.Background(), name, *netw, parent, isInfra)
			if err != nil {
				return err
			}
			fmt.Printf("created cidr %q (id %d)\n", created.Name, created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().StringVar(&name, "name", "", "cidr name")
	cmd.Flags().StringVar(&cidr, "cidr", "", "cidr, e.g. 10.66.1.0/24")
	cmd.Flags().Uint64Var(&parentID, "parent", 0, "parent cidr id")
	cmd.Flags().BoolVar(&isInfra, "infra", false, "mark as the infra cidr")
	return cmd
}

func newDeleteCidrCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	var id uint64
	cmd := &cobra.Command{
		Use:   "delete-cidr",
		Short: "delete an empty cidr",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteCIDR(context.Background(), id)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "cidr id")
	return cmd
}

func newRenameCidrCmd(gf *globalFlags) *cobra.Command {
	var cfgPath, name string
	var id uint64
	cmd := &cobra.Command{
		Use:   "rename-cidr",
		Short: "rename a cidr",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.RenameCIDR(context.Background(), id, name)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "cidr id")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	return cmd
}

func newListCidrsCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "list-cidrs",
		Short: "list all cidrs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			snap, err := st.Snapshot(context.Background())
			if err != nil {
				return err
			}
			for _, c := range snap.Cidrs {
				fmt.Printf("%d\t%s\t%s\tinfra=%v\n", c.ID, c.Name, c.Cidr.String(), c.IsInfra)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	return cmd
}

func newListAssociationsCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "list-associations",
		Short: "list all cidr associations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			snap, err := st.Snapshot(context.Background())
			if err != nil {
				return err
			}
			for _, a := range snap.Associations {
				fmt.Printf("%d\t%d <-> %d\n", a.ID, a.CidrAID, a.CidrBID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	return cmd
}

func newAddAssociationCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	var a, b uint64
	cmd := &cobra.Command{
		Use:   "add-association",
		Short: "allow two cidrs' peers to reach each other",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			created, err := st.AddAssociation(context.Background(), a, b)
			if err != nil {
				return err
			}
			fmt.Printf("created association %d (%d <-> %d)\n", created.ID, created.CidrAID, created.CidrBID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&a, "cidr-a", 0, "first cidr id")
	cmd.Flags().Uint64Var(&b, "cidr-b", 0, "second cidr id")
	return cmd
}

func newDeleteAssociationCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	var id uint64
	cmd := &cobra.Command{
		Use:   "delete-association",
		Short: "remove a cidr association",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteAssociation(context.Background(), id)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "association id")
	return cmd
}

func newSetListenPortCmd(gf *globalFlags) *cobra.Command {
	var cfgPath string
	var port uint16
	cmd := &cobra.Command{
		Use:   "set-listen-port",
		Short: "set the network-wide default WireGuard listen port",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SetListenPort(context.Background(), port)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint16Var(&port, "port", 51820, "listen port")
	return cmd
}

func newOverrideEndpointCmd(gf *globalFlags) *cobra.Command {
	var cfgPath, endpoint string
	var id uint64
	cmd := &cobra.Command{
		Use:   "override-endpoint",
		Short: "force a peer's recorded endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(gf, cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.UpdateEndpoint(context.Background(), id, endpoint)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().Uint64Var(&id, "id", 0, "peer id")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "host:port")
	return cmd
}
