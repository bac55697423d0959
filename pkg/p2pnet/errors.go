package p2pnet

import "errors"

var (
	// ErrNoRelayedConnection names the case of a direct connection upgrade
	// requested for a peer with no active relayed connection. No function in
	// this package returns it.
	ErrNoRelayedConnection = errors.New("no relayed connection to peer")

	// ErrUpgradeNotInProgress names the case of an upgrade-completion signal
	// for a peer with no upgrade attempt in flight. No function in this
	// package returns it; such a signal is ignored.
	ErrUpgradeNotInProgress = errors.New("no upgrade in progress for peer")
)
