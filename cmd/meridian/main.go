// Command meridian is both the coordination daemon (`serve`) and the
// overlay client (`install`/`up`/...), matching spec §6's single-binary
// CLI surface. Wiring follows cmd/server/main.go's
// signal.NotifyContext+sync.WaitGroup+timed-shutdown shape, generalized
// from a single tunnel+registry pair to store+reachability+api+device.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// usageError marks a cobra error as a misuse of the CLI itself (unknown
// command, bad flag) rather than a runtime failure, so main can exit 2 per
// spec §6 instead of the generic 1 a RunE failure gets.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// buildString is injected at build time.
var buildString = "unknown"

// globalFlags holds the persistent flags every subcommand shares (§6).
type globalFlags struct {
	backend   string
	mtu       int
	noRouting bool
	configDir string
	dataDir   string
	verbose   bool
}

func main() {
	var gf globalFlags

	root := &cobra.Command{
		Use:           "meridian",
		Short:         "CIDR-scoped WireGuard overlay coordination",
		Version:       buildString,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&gf.backend, "backend", "auto", "device backend: auto, kernel or userspace")
	root.PersistentFlags().IntVar(&gf.mtu, "mtu", 1420, "WireGuard interface MTU")
	root.PersistentFlags().BoolVar(&gf.noRouting, "no-routing", false, "skip host routing table management")
	root.PersistentFlags().StringVar(&gf.configDir, "config-dir", defaultConfigDir(), "client configuration directory")
	root.PersistentFlags().StringVar(&gf.dataDir, "data-dir", "/var/lib/meridian", "server data directory")
	root.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(&gf),
		newNewCmd(&gf),
		newInstallCmd(&gf),
		newUpCmd(&gf),
		newFetchCmd(&gf),
		newDownCmd(&gf),
		newUninstallCmd(&gf),
		newShowCmd(&gf),
		newAddPeerCmd(&gf),
		newRenamePeerCmd(&gf),
		newDisablePeerCmd(&gf),
		newEnablePeerCmd(&gf),
		newAddCidrCmd(&gf),
		newDeleteCidrCmd(&gf),
		newRenameCidrCmd(&gf),
		newListCidrsCmd(&gf),
		newListAssociationsCmd(&gf),
		newAddAssociationCmd(&gf),
		newDeleteAssociationCmd(&gf),
		newSetListenPortCmd(&gf),
		newOverrideEndpointCmd(&gf),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usageErr usageError
		if errors.As(err, &usageErr) || isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// isUsageError recognizes cobra's own unknown-command and required-flag
// errors, which do not route through FlagErrorFunc (command resolution and
// required-flag validation both happen outside flag *parsing*, so they
// bypass it). Unknown-flag messages are matched too.
func isUsageError(err error) bool {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown command"),
		strings.Contains(msg, "unknown flag"),
		strings.Contains(msg, "unknown shorthand flag"),
		strings.Contains(msg, "required flag"):
		return true
	default:
		return false
	}
}

func newLogger(gf *globalFlags) *slog.Logger {
	level := slog.LevelInfo
	if gf.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: gf.verbose}))
	slog.SetDefault(logger)
	return logger
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return home + "/.meridian"
}
