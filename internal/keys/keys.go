// Package keys implements the Curve25519 keypair and shared-secret
// derivation WireGuard peers authenticate with.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key is a 32-byte Curve25519 scalar or point, always carried as base64 on
// the wire and in the invitation file.
type Key [32]byte

// ErrInvalidKey is returned when a key fails to decode to 32 bytes.
var ErrInvalidKey = errors.New("keys: invalid key length")

// Generate produces a fresh, clamped WireGuard keypair.
func Generate() (priv, pub Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("generate private key: %w", err)
	}
	clamp(&priv)

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, Key{}, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// clamp applies the WireGuard private-key clamping rule.
func clamp(priv *Key) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// Public derives the public key for a private key.
func Public(priv Key) (Key, error) {
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("derive public key: %w", err)
	}
	var pub Key
	copy(pub[:], pubBytes)
	return pub, nil
}

// SharedSecret derives the Diffie-Hellman shared secret between a private
// and a peer public key. Only used by tests and diagnostics: the core never
// transmits or stores it.
func SharedSecret(priv, peerPub Key) ([32]byte, error) {
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return [32]byte{}, err
	}
	var secret [32]byte
	copy(secret[:], out)
	return secret, nil
}

// String renders the key as base64, the form used in config files, the
// wire protocol and logs.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler so Key serializes directly
// into JSON and TOML.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse decodes a base64-encoded key.
func Parse(s string) (Key, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(decoded) != 32 {
		return Key{}, ErrInvalidKey
	}
	var k Key
	copy(k[:], decoded)
	return k, nil
}

// IsZero reports whether k is the zero key (used as the placeholder key
// sentinel is never this; zero is reserved for "unset").
func (k Key) IsZero() bool {
	return k == Key{}
}
