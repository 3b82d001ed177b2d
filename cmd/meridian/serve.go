package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mr-karan/meridian/internal/api"
	"github.com/mr-karan/meridian/internal/auth"
	"github.com/mr-karan/meridian/internal/config"
	"github.com/mr-karan/meridian/internal/device"
	"github.com/mr-karan/meridian/internal/keys"
	"github.com/mr-karan/meridian/internal/reachability"
	"github.com/mr-karan/meridian/internal/store"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

func newServeCmd(gf *globalFlags) *cobra.Command {
	var (
		cfgPath        string
		listenAddr     string
		allowedOrigins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the coordination API daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gf, cmd.Flags(), cfgPath, listenAddr, allowedOrigins)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/meridian/config.toml", "path to a config file")
	cmd.Flags().StringVar(&listenAddr, "http-listen-addr", ":8080", "coordination API listen address")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "CORS allowed origins")
	return cmd
}

func runServe(gf *globalFlags, fs *flag.FlagSet, cfgPath, listenAddr string, allowedOrigins []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(gf)
	logger.Info("starting meridian coordination server", slog.String("version", buildString))

	ko, err := config.Load(fs, cfgPath)
	if err != nil {
		return err
	}
	cfg, err := config.ParseServer(ko)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.HTTPListenAddr = listenAddr
	}
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	st, err := store.Open(cfg.DSN, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	initial, err := st.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	infra, hasInfra := initial.InfraCidr()
	if !hasInfra {
		return fmt.Errorf("serve: network has no infra cidr yet; run `meridian new` first")
	}

	reach := &reachability.Cache{}

	privKey, err := loadOrCreateServerKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("server identity: %w", err)
	}
	pubKey, err := keys.Public(privKey)
	if err != nil {
		return err
	}
	logger.Info("server identity", slog.String("public_key", pubKey.String()))

	dev, err := device.Select(gf.backend, "meridian0")
	if err != nil {
		return fmt.Errorf("select device backend: %w", err)
	}
	serverIP, rootNet, ok := firstUsableAddr(infra.Cidr)
	if !ok {
		return fmt.Errorf("serve: infra cidr %s has no usable address", infra.Cidr.String())
	}
	if err := dev.CreateInterface(privKey, net.IPNet{IP: serverIP, Mask: rootNet.Mask}, cfg.ListenPort, gf.mtu); err != nil {
		return fmt.Errorf("create interface: %w", err)
	}
	defer dev.DeleteInterface()

	authn := auth.New(st, logger)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     cfg.HTTPListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger, st, reach, authn)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server error", slog.Any("error", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncDeviceLoop(ctx, logger, st, reach, dev)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		st.GCLoop(ctx, cfg.GCInterval)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
	}
	return nil
}

// syncDeviceLoop keeps the server's own WireGuard device's peer set in
// sync with the store, since the server is itself an overlay peer every
// client reaches through the infra cidr (spec §4.3 rule 2).
func syncDeviceLoop(ctx context.Context, logger *slog.Logger, st *store.Store, reach *reachability.Cache, dev device.Device) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := st.Snapshot(ctx)
			if err != nil {
				logger.Error("device sync snapshot failed", slog.Any("error", err))
				continue
			}
			reach.Get(snap) // keep the cache warm for API reads

			want := make([]device.PeerConfig, 0, len(snap.Peers))
			for _, p := range snap.Peers {
				if p.IsDisabled || !p.IsRedeemed {
					continue
				}
				want = append(want, device.PeerConfig{
					PublicKey:  p.PublicKey,
					AllowedIPs: []net.IPNet{{IP: p.IP, Mask: fullMaskFor(p.IP)}},
				})
			}
			if err := dev.ApplyPeers(want); err != nil {
				logger.Error("device sync apply failed", slog.Any("error", err))
			}
		}
	}
}

func fullMaskFor(ip net.IP) net.IPMask {
	if ip.To4() != nil {
		return net.CIDRMask(32, 32)
	}
	return net.CIDRMask(128, 128)
}

func firstUsableAddr(n net.IPNet) (net.IP, net.IPNet, bool) {
	ip := make(net.IP, len(n.IP))
	copy(ip, n.IP)
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
	if !n.Contains(ip) {
		return nil, n, false
	}
	return ip, n, true
}

func loadOrCreateServerKey(dataDir string) (keys.Key, error) {
	path := dataDir + "/server.key"
	if raw, err := os.ReadFile(path); err == nil {
		return keys.Parse(string(raw))
	}
	priv, _, err := keys.Generate()
	if err != nil {
		return keys.Key{}, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return keys.Key{}, err
	}
	if err := os.WriteFile(path, []byte(priv.String()), 0o600); err != nil {
		return keys.Key{}, err
	}
	return priv, nil
}
