package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mr-karan/meridian/internal/apiclient"
	"github.com/mr-karan/meridian/internal/clientstate"
	"github.com/mr-karan/meridian/internal/device"
	"github.com/mr-karan/meridian/internal/invite"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/reconcile"
	"github.com/spf13/cobra"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

// newInstallClient builds an apiclient pointed at the server's internal
// endpoint (spec §6: server.internal_endpoint is host:port). The caller
// dials the HTTP API over the already-up WireGuard interface — standard
// net/http happily routes there once the interface's route is installed,
// so no special transport is needed here.
func newInstallClient(internalEndpoint string) *apiclient.Client {
	return apiclient.New(fmt.Sprintf("http://%s", internalEndpoint), &http.Client{Timeout: 15 * time.Second})
}

func newInstallCmd(gf *globalFlags) *cobra.Command {
	var invitePath string
	var deleteInvite bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "consume an invitation file and join the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(gf)

			raw, err := os.ReadFile(invitePath)
			if err != nil {
				return fmt.Errorf("read invitation: %w", err)
			}
			f, err := invite.Parse(raw)
			if err != nil {
				return err
			}

			lock, err := clientstate.AcquireLock(gf.configDir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			dev, err := device.Select(gf.backend, "meridian0")
			if err != nil {
				return err
			}
			addr := net.ParseIP(f.Interface.Address)
			if addr == nil {
				return fmt.Errorf("invitation has malformed interface address %q", f.Interface.Address)
			}
			listenPort := 0
			if f.Interface.ListenPort != nil {
				listenPort = int(*f.Interface.ListenPort)
			}
			ifaceNet := net.IPNet{IP: addr, Mask: net.CIDRMask(32, 32)}
			if err := dev.CreateInterface(f.Peer.PrivateKey, ifaceNet, listenPort, gf.mtu); err != nil {
				return fmt.Errorf("create interface: %w", err)
			}

			_, networkNet, err := net.ParseCIDR(f.Server.NetworkCidr)
			if err != nil {
				return fmt.Errorf("invitation has malformed network cidr: %w", err)
			}
			if err := dev.ApplyPeers([]device.PeerConfig{{
				PublicKey:           f.Server.PublicKey,
				AllowedIPs:          []net.IPNet{*networkNet},
				Endpoint:            f.Server.ExternalEndpoint,
				PersistentKeepalive: 25 * time.Second,
			}}); err != nil {
				return fmt.Errorf("configure server peer: %w", err)
			}

			client := newInstallClient(f.Server.InternalEndpoint)
			newPriv, newPub, err := keys.Generate()
			if err != nil {
				return err
			}
			redeemed, err := client.Redeem(context.Background(), newPub.String())
			if err != nil {
				return fmt.Errorf("redeem invitation: %w", err)
			}

			if err := dev.CreateInterface(newPriv, ifaceNet, listenPort, gf.mtu); err != nil {
				return fmt.Errorf("rotate to redeemed key: %w", err)
			}

			st := clientstate.State{
				InterfaceName:          "meridian0",
				PrivateKey:             newPriv,
				Address:                f.Interface.Address,
				ServerInternalEndpoint: f.Server.InternalEndpoint,
				ServerPublicKey:        f.Server.PublicKey,
				ListenPort:             listenPort,
			}
			if err := clientstate.Save(gf.configDir, st); err != nil {
				return err
			}

			if deleteInvite {
				_ = os.Remove(invitePath)
			}
			logger.Info("joined network", "peer_id", redeemed.ID, "address", f.Interface.Address)
			return nil
		},
	}
	cmd.Flags().StringVar(&invitePath, "invite", "invite.toml", "path to the invitation file")
	cmd.Flags().BoolVar(&deleteInvite, "delete-invite", false, "delete the invitation file after a successful redeem")
	return cmd
}

func newUpCmd(gf *globalFlags) *cobra.Command {
	var interval time.Duration
	var stunServers []string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "pull state and reconcile the local device, optionally on a timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(gf)

			lock, err := clientstate.AcquireLock(gf.configDir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			cs, ok, err := clientstate.Load(gf.configDir)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no local state found; run `meridian install` first")
			}

			dev, err := device.Select(gf.backend, "meridian0")
			if err != nil {
				return err
			}
			ifaceNet := net.IPNet{IP: net.ParseIP(cs.Address), Mask: net.CIDRMask(32, 32)}
			if err := dev.CreateInterface(cs.PrivateKey, ifaceNet, cs.ListenPort, gf.mtu); err != nil {
				return fmt.Errorf("create interface: %w", err)
			}

			client := newInstallClient(cs.ServerInternalEndpoint)
			loop := reconcile.NewLoop(reconcile.Config{
				Client:      client,
				Device:      dev,
				Logger:      logger,
				Interval:    interval,
				ListenPort:  cs.ListenPort,
				StunServers: stunServers,
			})
			return loop.Run(context.Background())
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "reconcile repeatedly on this interval; 0 runs once")
	cmd.Flags().StringSliceVar(&stunServers, "stun-server", []string{"stun.l.google.com:19302"}, "STUN servers to probe for a public candidate")
	return cmd
}

func newFetchCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "pull the latest state without applying it to the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, ok, err := clientstate.Load(gf.configDir)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no local state found; run `meridian install` first")
			}
			client := newInstallClient(cs.ServerInternalEndpoint)
			st, err := client.UserState(context.Background())
			if err != nil {
				return err
			}
			cs.LastPull = &st
			if err := clientstate.Save(gf.configDir, cs); err != nil {
				return err
			}
			for _, p := range st.Peers {
				fmt.Printf("%d\t%s\t%s\n", p.ID, p.Name, p.IP)
			}
			return nil
		},
	}
	return cmd
}

func newDownCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "bring the local interface down without forgetting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := device.Select(gf.backend, "meridian0")
			if err != nil {
				return err
			}
			return dev.DeleteInterface()
		},
	}
	return cmd
}

func newUninstallCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "bring the interface down and forget local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := device.Select(gf.backend, "meridian0")
			if err != nil {
				return err
			}
			if err := dev.DeleteInterface(); err != nil {
				return err
			}
			return os.RemoveAll(gf.configDir)
		},
	}
	return cmd
}

func newShowCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"list"},
		Short:   "render the last-pulled state cached to the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, ok, err := clientstate.Load(gf.configDir)
			if err != nil {
				return err
			}
			if !ok || cs.LastPull == nil {
				fmt.Println("no cached state; run `meridian fetch` or `meridian up` first")
				return nil
			}
			for _, p := range cs.LastPull.Peers {
				status := "redeemed"
				if !p.IsRedeemed {
					status = "pending"
				}
				if p.IsDisabled {
					status = "disabled"
				}
				fmt.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Name, p.IP, status)
			}
			return nil
		},
	}
	return cmd
}
