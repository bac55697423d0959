// Package dcutr implements the Direct Connection Upgrade through Relay
// protocol: given a relayed connection to a peer behind a NAT, it
// coordinates a simultaneous-open hole punch to establish a direct
// connection, falling back to the relay if every attempt fails.
package dcutr

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
)

// ConnID identifies a single connection for the lifetime of its handler.
// It is assigned by whatever owns the Behavior, not by this package.
type ConnID uint64

// ConnectedPoint describes how a connection was established, mirroring the
// subset of libp2p's ConnectedPoint that the upgrade decision needs: which
// side dialed, and the local/remote addresses actually used.
type ConnectedPoint struct {
	Direction  network.Direction
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
}

// IsRelayed reports whether the connection point runs over a circuit relay,
// i.e. either address contains a /p2p-circuit component.
func (cp ConnectedPoint) IsRelayed() bool {
	return hasCircuitComponent(cp.LocalAddr) || hasCircuitComponent(cp.RemoteAddr)
}

// RoleKind distinguishes which side of an upgrade attempt a handler plays.
type RoleKind int

const (
	// RoleInitiator dials out to the remote peer's observed addresses.
	RoleInitiator RoleKind = iota
	// RoleListener accepts an inbound CONNECT and answers with its own.
	RoleListener
)

func (k RoleKind) String() string {
	switch k {
	case RoleInitiator:
		return "initiator"
	case RoleListener:
		return "listener"
	default:
		return fmt.Sprintf("RoleKind(%d)", int(k))
	}
}

// Role captures which side of the exchange a handler is playing, which
// attempt number this is, and the relayed connection the attempt rides on.
type Role struct {
	Kind        RoleKind
	Attempt     uint8
	RelayConnID ConnID
}

// PrototypeKind classifies a connection for the purpose of deciding whether
// a handler should be spun up for it, and in what role.
type PrototypeKind int

const (
	// PrototypeUnknownConnection is assigned to a freshly established
	// connection before its relay status has been inspected.
	PrototypeUnknownConnection PrototypeKind = iota
	// PrototypeDirectConnection marks a connection that is already direct;
	// no handler is needed.
	PrototypeDirectConnection
	// PrototypeUnknownRelayedConnection marks a relayed connection whose
	// upgrade role has not yet been decided.
	PrototypeUnknownRelayedConnection
	// PrototypeRelayedConnection marks a relayed connection with a decided
	// Role, ready for a handler to run the exchange.
	PrototypeRelayedConnection
)

// HandlerPrototype is the classification + role pair used to decide what,
// if anything, to do about a newly observed connection.
type HandlerPrototype struct {
	Kind PrototypeKind
	Role Role
}

func hasCircuitComponent(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	for _, p := range addr.Protocols() {
		if p.Name == "p2p-circuit" {
			return true
		}
	}
	return false
}
