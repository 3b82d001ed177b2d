// Package invite implements the invitation lifecycle of spec §4.4: pending
// peer creation, the transferable invitation file, and redemption. The
// invitation is not a stored entity — it is the tuple (pending peer row,
// server root info, throwaway private key) serialized per spec §6.
package invite

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-karan/meridian/internal/errs"
	"github.com/mr-karan/meridian/internal/keys"
)

// File is the transferable, single-use invitation document (spec §6).
type File struct {
	Server struct {
		ExternalEndpoint string
		InternalEndpoint string
		PublicKey        keys.Key
		NetworkCidr      string
	}
	Interface struct {
		NetworkName string
		Address     string
		ListenPort  *uint16
	}
	Peer struct {
		PrivateKey keys.Key
		Name       string
	}
}

// Encode renders the invitation as the key=value TOML-like tables spec §6
// defines. The grammar is a subset of TOML deliberately, so it round-trips
// through the same parser the coordination daemon already uses for its own
// configuration (koanf's toml parser).
func (f File) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "[server]")
	fmt.Fprintf(&buf, "external_endpoint = %q\n", f.Server.ExternalEndpoint)
	fmt.Fprintf(&buf, "internal_endpoint = %q\n", f.Server.InternalEndpoint)
	fmt.Fprintf(&buf, "public_key = %q\n", f.Server.PublicKey.String())
	fmt.Fprintf(&buf, "network_cidr = %q\n", f.Server.NetworkCidr)
	fmt.Fprintln(&buf)

	fmt.Fprintln(&buf, "[interface]")
	fmt.Fprintf(&buf, "network_name = %q\n", f.Interface.NetworkName)
	fmt.Fprintf(&buf, "address = %q\n", f.Interface.Address)
	if f.Interface.ListenPort != nil {
		fmt.Fprintf(&buf, "listen_port = %d\n", *f.Interface.ListenPort)
	}
	fmt.Fprintln(&buf)

	fmt.Fprintln(&buf, "[peer]")
	fmt.Fprintf(&buf, "private_key = %q\n", f.Peer.PrivateKey.String())
	fmt.Fprintf(&buf, "name = %q\n", f.Peer.Name)

	return buf.Bytes()
}

// Parse reads an invitation file back from its textual form.
func Parse(data []byte) (File, error) {
	var f File
	var section string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return File{}, errs.New(errs.Invalid, "malformed invitation line: "+line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		var err error
		switch section {
		case "server":
			err = setServerField(&f, key, value)
		case "interface":
			err = setInterfaceField(&f, key, value)
		case "peer":
			err = setPeerField(&f, key, value)
		default:
			err = errs.New(errs.Invalid, "invitation line outside any table: "+line)
		}
		if err != nil {
			return File{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return File{}, errs.Wrap(errs.Invalid, "read invitation file", err)
	}
	return f, nil
}

func setServerField(f *File, key, value string) error {
	switch key {
	case "external_endpoint":
		f.Server.ExternalEndpoint = value
	case "internal_endpoint":
		f.Server.InternalEndpoint = value
	case "public_key":
		k, err := keys.Parse(value)
		if err != nil {
			return err
		}
		f.Server.PublicKey = k
	case "network_cidr":
		f.Server.NetworkCidr = value
	default:
		return errs.New(errs.Invalid, "unknown server field: "+key)
	}
	return nil
}

func setInterfaceField(f *File, key, value string) error {
	switch key {
	case "network_name":
		f.Interface.NetworkName = value
	case "address":
		f.Interface.Address = value
	case "listen_port":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return errs.Wrap(errs.Invalid, "invalid listen_port", err)
		}
		p := uint16(port)
		f.Interface.ListenPort = &p
	default:
		return errs.New(errs.Invalid, "unknown interface field: "+key)
	}
	return nil
}

func setPeerField(f *File, key, value string) error {
	switch key {
	case "private_key":
		k, err := keys.Parse(value)
		if err != nil {
			return err
		}
		f.Peer.PrivateKey = k
	case "name":
		f.Peer.Name = value
	default:
		return errs.New(errs.Invalid, "unknown peer field: "+key)
	}
	return nil
}
