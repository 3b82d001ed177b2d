// Package config loads the coordination server's configuration the way
// the teacher does: koanf layering a TOML file under environment variable
// overrides under command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
)

// Server is the coordination daemon's parsed configuration.
type Server struct {
	Verbose  bool
	LogLevel string

	DataDir string
	DSN     string

	HTTPListenAddr string
	AllowedOrigins []string

	Backend    string
	Interface  string
	ListenPort int
	MTU        int
	NoRouting  bool

	GCInterval time.Duration
}

// Load layers file.Provider(path)+toml under env.Provider("MERIDIAN_") under
// the already-parsed flag set fs, mirroring the teacher's initConfig.
func Load(fs *flag.FlagSet, cfgPath string) (*koanf.Koanf, error) {
	ko := koanf.New(".")

	if _, err := os.Stat(cfgPath); err == nil {
		if err := ko.Load(file.Provider(cfgPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgPath, err)
		}
	}

	if err := ko.Load(env.Provider("MERIDIAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MERIDIAN_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if fs != nil {
		if err := ko.Load(posflag.Provider(fs, ".", ko), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	return ko, nil
}

// ParseServer extracts the typed Server config, applying the same
// fall-through defaults the teacher's parseConfig hardcodes.
func ParseServer(ko *koanf.Koanf) (*Server, error) {
	cfg := &Server{
		Verbose:        ko.Bool("app.verbose"),
		LogLevel:       orDefault(ko.String("app.log_level"), "info"),
		DataDir:        orDefault(ko.String("data_dir"), "/var/lib/meridian"),
		DSN:            ko.String("dsn"),
		HTTPListenAddr: orDefault(ko.String("http.listen_addr"), ":8080"),
		AllowedOrigins: ko.Strings("http.allowed_origins"),
		Backend:        orDefault(ko.String("backend"), "auto"),
		Interface:      orDefault(ko.String("interface"), "meridian0"),
		ListenPort:     ko.Int("listen_port"),
		MTU:            ko.Int("mtu"),
		NoRouting:      ko.Bool("no_routing"),
		GCInterval:     ko.Duration("gc_interval"),
	}
	if cfg.DSN == "" {
		cfg.DSN = cfg.DataDir + "/meridian.db"
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 51820
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1420
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewLogger builds the slog logger the rest of the daemon shares, matching
// the teacher's text-handler-to-stdout setup.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: verbose}))
	slog.SetDefault(logger)
	return logger
}
