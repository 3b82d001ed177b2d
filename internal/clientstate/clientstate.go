// Package clientstate persists the client's local interface state under
// its configuration directory (spec §4.6: "persist interface state under
// the configuration directory"), and provides the advisory file lock that
// keeps two `up`/`install` invocations from racing on the same interface.
package clientstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-karan/meridian/internal/apiclient"
	"github.com/mr-karan/meridian/internal/keys"
)

// State is the client's locally-persisted view of its own interface and
// the last state it pulled from the coordination server.
type State struct {
	InterfaceName          string           `json:"interface_name"`
	PrivateKey             keys.Key         `json:"private_key"`
	Address                string           `json:"address"`
	ServerInternalEndpoint string           `json:"server_internal_endpoint"`
	ServerPublicKey        keys.Key         `json:"server_public_key"`
	ListenPort             int              `json:"listen_port"`
	LastPull               *apiclient.State `json:"last_pull,omitempty"`
}

func statePath(configDir string) string {
	return filepath.Join(configDir, "state.json")
}

// Load reads the persisted state, or (State{}, false, nil) if none exists
// yet (first `install`).
func Load(configDir string) (State, bool, error) {
	raw, err := os.ReadFile(statePath(configDir))
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("clientstate: read: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("clientstate: decode: %w", err)
	}
	return st, true, nil
}

// Save atomically writes state to configDir/state.json.
func Save(configDir string, st State) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("clientstate: mkdir %s: %w", configDir, err)
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("clientstate: encode: %w", err)
	}
	tmp := statePath(configDir) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("clientstate: write: %w", err)
	}
	return os.Rename(tmp, statePath(configDir))
}
