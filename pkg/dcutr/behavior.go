package dcutr

import (
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ActionKind classifies an Action dequeued from a Behavior's Poll.
type ActionKind int

const (
	// ActionNotifyHandler asks the owner to call Handler.Notify(Cmd) for
	// the handler identified by Peer/Conn.
	ActionNotifyHandler ActionKind = iota
	// ActionDial asks the owner to dial Peer directly at DialAddrs. If the
	// dial fails, the owner reports it back through HandleDialFailure with
	// DialPrototype, whose Role decides whether the upgrade is retried. Cmd
	// is not set on dial actions.
	ActionDial
	// ActionGenerateEvent asks the owner to surface Event to its own users.
	ActionGenerateEvent
)

// Action is one unit of work a Behavior wants its owner to perform. Owners
// must execute actions in the order Poll returns them (FIFO) so that, e.g.,
// a dial for attempt 2 is never issued before attempt 1's failure event.
type Action struct {
	Kind ActionKind

	Peer peer.ID
	Conn ConnID
	Cmd  HandlerCmd

	DialAddrs     []ma.Multiaddr
	DialPrototype HandlerPrototype

	Event OutEvent
}

// OutEvent is the sum type of events a Behavior surfaces to the outside
// world via ActionGenerateEvent.
type OutEvent interface{ isOutEvent() }

// InitiateDirectConnectionUpgrade is emitted when we have decided to start
// an upgrade attempt as the initiator over a freshly observed relayed
// connection.
type InitiateDirectConnectionUpgrade struct {
	Peer         peer.ID
	RelayConnID  ConnID
	RelayedAddrs []ma.Multiaddr
}

// RemoteInitiatedDirectConnectionUpgrade is emitted when a remote peer has
// opened a dcutr stream to us to start an upgrade attempt.
type RemoteInitiatedDirectConnectionUpgrade struct {
	Peer         peer.ID
	RelayConnID  ConnID
	RemoteAddrs  []ma.Multiaddr
}

// DirectConnectionUpgradeSucceeded is emitted once a peer we had an upgrade
// in flight for is observed to have a new, non-relayed connection while
// that upgrade was still active (see DESIGN.md for the emission-point
// decision; the original this protocol is ported from never emits it).
type DirectConnectionUpgradeSucceeded struct {
	Peer peer.ID
}

// DirectConnectionUpgradeFailed is emitted once every attempt for a peer
// has failed.
type DirectConnectionUpgradeFailed struct {
	Peer peer.ID
	Err  error
}

func (InitiateDirectConnectionUpgrade) isOutEvent()       {}
func (RemoteInitiatedDirectConnectionUpgrade) isOutEvent() {}
func (DirectConnectionUpgradeSucceeded) isOutEvent()      {}
func (DirectConnectionUpgradeFailed) isOutEvent()         {}

// upgradeState tracks one peer's in-flight upgrade attempt count so retries
// can be capped and dial failures can be attributed to the right attempt.
type upgradeState struct {
	attempt     uint8
	relayConnID ConnID
}

// Behavior is the per-peer orchestrator: it turns connection-established
// notifications, handler events, and dial failures into a FIFO queue of
// Actions for its owner to execute, and late-binds this host's observed
// addresses into outbound CONNECT/Accept commands at Poll time.
type Behavior struct {
	mu     sync.Mutex
	queue  []Action
	active map[peer.ID]*upgradeState
}

// NewBehavior creates an empty Behavior.
func NewBehavior() *Behavior {
	return &Behavior{active: make(map[peer.ID]*upgradeState)}
}

func (b *Behavior) push(a Action) {
	b.queue = append(b.queue, a)
}

// HandleConnectionEstablished inspects a newly established connection. Per
// the protocol, the inbound side of a relayed connection becomes the
// initiator of the direct connection upgrade: if the local peer just
// accepted an inbound connection (the remote dialed us) whose local
// address runs over a circuit relay, and no upgrade is already in flight
// for this peer, it notifies this connection's handler to start the
// initiator exchange. An outbound relayed connection (we dialed through
// the relay) triggers nothing here; that side instead becomes the listener
// once it sees an InboundConnectReq from its counterparty.
func (b *Behavior) HandleConnectionEstablished(p peer.ID, id ConnID, point ConnectedPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if point.Direction != network.DirInbound || !hasCircuitComponent(point.LocalAddr) {
		return
	}
	if _, ok := b.active[p]; ok {
		return
	}

	st := &upgradeState{attempt: 1, relayConnID: id}
	b.active[p] = st

	b.push(Action{
		Kind: ActionNotifyHandler,
		Peer: p,
		Conn: id,
		Cmd:  Connect{Attempt: st.attempt}, // ObsAddrs filled in at Poll time
	})
	b.push(Action{
		Kind:  ActionGenerateEvent,
		Peer:  p,
		Event: InitiateDirectConnectionUpgrade{Peer: p, RelayConnID: id, RelayedAddrs: []ma.Multiaddr{point.LocalAddr}},
	})
}

// HandleEvent translates a Handler's event into further Actions.
func (b *Behavior) HandleEvent(p peer.ID, id ConnID, ev HandlerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e := ev.(type) {
	case InboundConnectReq:
		if _, ok := b.active[p]; !ok {
			b.active[p] = &upgradeState{attempt: 1, relayConnID: id}
		}
		b.push(Action{
			Kind: ActionNotifyHandler,
			Peer: p,
			Conn: id,
			Cmd:  AcceptInboundConnect{}, // ObsAddrs filled in at Poll time
		})
		b.push(Action{
			Kind:  ActionGenerateEvent,
			Peer:  p,
			Event: RemoteInitiatedDirectConnectionUpgrade{Peer: p, RelayConnID: id, RemoteAddrs: []ma.Multiaddr{e.RemoteAddr}},
		})

	case InboundConnectNeg:
		b.push(Action{
			Kind:          ActionDial,
			Peer:          p,
			Conn:          id,
			DialAddrs:     e.RemoteAddrs,
			DialPrototype: HandlerPrototype{Kind: PrototypeDirectConnection, Role: Role{Kind: RoleListener, RelayConnID: id}},
		})

	case OutboundConnectNeg:
		b.push(Action{
			Kind:          ActionDial,
			Peer:          p,
			Conn:          id,
			DialAddrs:     e.RemoteAddrs,
			DialPrototype: HandlerPrototype{Kind: PrototypeDirectConnection, Role: Role{Kind: RoleInitiator, Attempt: e.Attempt, RelayConnID: id}},
		})

	case HandlerFailed:
		// Per protocol, a failure on the upgrade substream itself does not
		// trigger a retry; only a subsequent direct-dial failure does (see
		// HandleDialFailure). The relayed connection stays open for the
		// counterparty to retry, or for a later attempt on this side.
	}
}

// HandleDialFailure is invoked when a direct dial queued by an ActionDial
// did not succeed. proto is the DialPrototype carried by that action. Only
// an Initiator-role direct-dial failure is retried (up to MaxAttempts
// total); a Listener-role failure is not retried by this side at all, since
// the initiator is the one that drives retries on the shared relayed
// connection.
func (b *Behavior) HandleDialFailure(p peer.ID, proto HandlerPrototype, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if proto.Kind != PrototypeDirectConnection || proto.Role.Kind != RoleInitiator {
		return
	}

	st, ok := b.active[p]
	if !ok {
		return
	}

	if proto.Role.Attempt >= MaxAttempts {
		delete(b.active, p)
		b.push(Action{
			Kind:  ActionGenerateEvent,
			Peer:  p,
			Event: DirectConnectionUpgradeFailed{Peer: p, Err: fmt.Errorf("%w: %w", ErrAttemptsExceeded, err)},
		})
		return
	}

	next := proto.Role.Attempt + 1
	st.attempt = next
	b.push(Action{
		Kind: ActionNotifyHandler,
		Peer: p,
		Conn: proto.Role.RelayConnID,
		Cmd:  Connect{Attempt: next}, // ObsAddrs filled in at Poll time
	})
}

// HandleUpgradeSucceeded marks a peer's upgrade complete, usually because
// the owner observed a new direct connection to it while an attempt was in
// flight, and queues the corresponding event.
func (b *Behavior) HandleUpgradeSucceeded(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[p]; !ok {
		return
	}
	delete(b.active, p)
	b.push(Action{
		Kind:  ActionGenerateEvent,
		Peer:  p,
		Event: DirectConnectionUpgradeSucceeded{Peer: p},
	})
}

// Poll dequeues the next Action in FIFO order, late-binding this host's
// peer ID into any observed addresses carried by Connect/AcceptInboundConnect
// commands. It returns false when the queue is empty.
func (b *Behavior) Poll(localID peer.ID, externalAddrs []ma.Multiaddr) (Action, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Action{}, false
	}
	a := b.queue[0]
	b.queue = b.queue[1:]

	if a.Kind == ActionDial || a.Kind == ActionNotifyHandler {
		bound := withLocalPeer(externalAddrs, localID)
		switch c := a.Cmd.(type) {
		case Connect:
			if c.ObsAddrs == nil {
				a.Cmd = Connect{ObsAddrs: bound, Attempt: c.Attempt}
			}
		case AcceptInboundConnect:
			if c.ObsAddrs == nil {
				a.Cmd = AcceptInboundConnect{ObsAddrs: bound}
			}
		}
	}

	return a, true
}

// withLocalPeer appends a /p2p/<peer-id> suffix to every address that does
// not already carry one, so every obs_addrs entry sent on the wire is
// dialable on its own.
func withLocalPeer(addrs []ma.Multiaddr, localID peer.ID) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	suffix, err := ma.NewComponent("p2p", localID.String())
	if err != nil {
		return addrs
	}
	for _, a := range addrs {
		if hasP2PComponent(a) {
			out = append(out, a)
			continue
		}
		out = append(out, a.Encapsulate(suffix))
	}
	return out
}

func hasP2PComponent(addr ma.Multiaddr) bool {
	for _, p := range addr.Protocols() {
		if p.Name == "p2p" {
			return true
		}
	}
	return false
}
