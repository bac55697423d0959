package dcutr

import (
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func testPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	p, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("IDFromPrivateKey: %v", err)
	}
	return p
}

// inboundRelayedPoint builds the ConnectedPoint for "we just accepted an
// inbound connection through a circuit relay" — the case that makes us the
// initiator of the upgrade.
func inboundRelayedPoint(t *testing.T) ConnectedPoint {
	t.Helper()
	return ConnectedPoint{
		Direction: network.DirInbound,
		LocalAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An/p2p-circuit"),
	}
}

func TestBehaviorInboundRelayedConnectionQueuesNotifyAndEvent(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleConnectionEstablished(p, ConnID(1), inboundRelayedPoint(t))

	a1, ok := b.Poll(testPeer(t), nil)
	if !ok || a1.Kind != ActionNotifyHandler {
		t.Fatalf("first action = %+v, ok=%v, want ActionNotifyHandler", a1, ok)
	}
	cmd, isConnect := a1.Cmd.(Connect)
	if !isConnect {
		t.Fatalf("Cmd = %T, want Connect", a1.Cmd)
	}
	if cmd.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", cmd.Attempt)
	}

	a2, ok := b.Poll(testPeer(t), nil)
	if !ok || a2.Kind != ActionGenerateEvent {
		t.Fatalf("second action = %+v, ok=%v, want ActionGenerateEvent", a2, ok)
	}
	if _, isInit := a2.Event.(InitiateDirectConnectionUpgrade); !isInit {
		t.Errorf("Event = %T, want InitiateDirectConnectionUpgrade", a2.Event)
	}

	if _, ok := b.Poll(testPeer(t), nil); ok {
		t.Error("expected queue to be empty")
	}
}

func TestBehaviorOutboundRelayedConnectionQueuesNothing(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	// We dialed out over the relay; we are not the initiator here — the
	// peer on the inbound end of that same relayed connection is. Nothing
	// is queued until that peer's InboundConnectReq arrives via HandleEvent.
	b.HandleConnectionEstablished(p, ConnID(1), ConnectedPoint{
		Direction:  network.DirOutbound,
		RemoteAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An/p2p-circuit"),
	})
	if _, ok := b.Poll(testPeer(t), nil); ok {
		t.Fatal("expected no queued action for an outbound relayed connection")
	}

	b.HandleEvent(p, ConnID(1), InboundConnectReq{
		Addrs:      []ma.Multiaddr{mustAddr(t, "/ip4/203.0.113.9/tcp/4001")},
		RemoteAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p-circuit"),
	})

	a1, ok := b.Poll(testPeer(t), nil)
	if !ok || a1.Kind != ActionNotifyHandler {
		t.Fatalf("action = %+v, ok=%v, want ActionNotifyHandler", a1, ok)
	}
	if _, isAccept := a1.Cmd.(AcceptInboundConnect); !isAccept {
		t.Errorf("Cmd = %T, want AcceptInboundConnect", a1.Cmd)
	}

	a2, ok := b.Poll(testPeer(t), nil)
	if !ok || a2.Kind != ActionGenerateEvent {
		t.Fatalf("action = %+v, ok=%v, want ActionGenerateEvent", a2, ok)
	}
	if _, isRemoteInit := a2.Event.(RemoteInitiatedDirectConnectionUpgrade); !isRemoteInit {
		t.Errorf("Event = %T, want RemoteInitiatedDirectConnectionUpgrade", a2.Event)
	}
}

func TestBehaviorNonRelayedConnectionIsIgnored(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleConnectionEstablished(p, ConnID(1), ConnectedPoint{
		Direction: network.DirInbound,
		LocalAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001"),
	})

	if _, ok := b.Poll(testPeer(t), nil); ok {
		t.Error("expected no action for a non-circuit connection")
	}
}

func TestBehaviorInboundConnectNegDialsListenerRole(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleEvent(p, ConnID(1), InboundConnectReq{
		Addrs:      []ma.Multiaddr{mustAddr(t, "/ip4/203.0.113.9/tcp/4001")},
		RemoteAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p-circuit"),
	})
	drain(t, b)

	remote := []ma.Multiaddr{mustAddr(t, "/ip4/198.51.100.3/tcp/4001")}
	b.HandleEvent(p, ConnID(1), InboundConnectNeg{RemoteAddrs: remote})

	a, ok := b.Poll(testPeer(t), nil)
	if !ok || a.Kind != ActionDial {
		t.Fatalf("action = %+v, ok=%v, want ActionDial", a, ok)
	}
	if len(a.DialAddrs) != 1 || !a.DialAddrs[0].Equal(remote[0]) {
		t.Errorf("DialAddrs = %v, want %v", a.DialAddrs, remote)
	}
	if a.DialPrototype.Role.Kind != RoleListener {
		t.Errorf("Role.Kind = %v, want RoleListener", a.DialPrototype.Role.Kind)
	}
}

func TestBehaviorRetriesUpToMaxAttempts(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleConnectionEstablished(p, ConnID(1), inboundRelayedPoint(t))
	drain(t, b) // consumes attempt-1 notify + event

	for attempt := uint8(2); attempt <= MaxAttempts; attempt++ {
		failedProto := HandlerPrototype{
			Kind: PrototypeDirectConnection,
			Role: Role{Kind: RoleInitiator, Attempt: attempt - 1, RelayConnID: ConnID(1)},
		}
		b.HandleDialFailure(p, failedProto, errors.New("dial failed"))
		a, ok := b.Poll(testPeer(t), nil)
		if !ok || a.Kind != ActionNotifyHandler {
			t.Fatalf("attempt %d: action = %+v, ok=%v, want ActionNotifyHandler", attempt, a, ok)
		}
		cmd, isConnect := a.Cmd.(Connect)
		if !isConnect {
			t.Fatalf("attempt %d: Cmd = %T, want Connect", attempt, a.Cmd)
		}
		if cmd.Attempt != attempt {
			t.Errorf("attempt %d: Cmd.Attempt = %d", attempt, cmd.Attempt)
		}
	}

	// A failure of the final attempt (MaxAttempts) should give up.
	finalProto := HandlerPrototype{
		Kind: PrototypeDirectConnection,
		Role: Role{Kind: RoleInitiator, Attempt: MaxAttempts, RelayConnID: ConnID(1)},
	}
	b.HandleDialFailure(p, finalProto, errors.New("dial failed"))
	a, ok := b.Poll(testPeer(t), nil)
	if !ok || a.Kind != ActionGenerateEvent {
		t.Fatalf("final action = %+v, ok=%v, want ActionGenerateEvent", a, ok)
	}
	if _, isFailed := a.Event.(DirectConnectionUpgradeFailed); !isFailed {
		t.Errorf("Event = %T, want DirectConnectionUpgradeFailed", a.Event)
	}
}

func TestBehaviorListenerDialFailureIsNotRetried(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleEvent(p, ConnID(1), InboundConnectReq{
		Addrs:      []ma.Multiaddr{mustAddr(t, "/ip4/203.0.113.9/tcp/4001")},
		RemoteAddr: mustAddr(t, "/ip4/203.0.113.9/tcp/4001/p2p-circuit"),
	})
	drain(t, b)

	listenerProto := HandlerPrototype{Kind: PrototypeDirectConnection, Role: Role{Kind: RoleListener, RelayConnID: ConnID(1)}}
	b.HandleDialFailure(p, listenerProto, errors.New("dial failed"))

	if _, ok := b.Poll(testPeer(t), nil); ok {
		t.Error("expected no action for a listener-role dial failure")
	}
}

func TestBehaviorUpgradeSucceededEmitsEventAndClearsState(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)

	b.HandleConnectionEstablished(p, ConnID(1), inboundRelayedPoint(t))
	drain(t, b)

	b.HandleUpgradeSucceeded(p)
	a, ok := b.Poll(testPeer(t), nil)
	if !ok || a.Kind != ActionGenerateEvent {
		t.Fatalf("action = %+v, ok=%v, want ActionGenerateEvent", a, ok)
	}
	if _, isSucceeded := a.Event.(DirectConnectionUpgradeSucceeded); !isSucceeded {
		t.Errorf("Event = %T, want DirectConnectionUpgradeSucceeded", a.Event)
	}

	// A second call is a no-op since the peer is no longer active.
	b.HandleUpgradeSucceeded(p)
	if _, ok := b.Poll(testPeer(t), nil); ok {
		t.Error("expected no action for a peer with no active upgrade")
	}
}

func TestPollBindsLocalPeerIDIntoObsAddrs(t *testing.T) {
	b := NewBehavior()
	p := testPeer(t)
	local := testPeer(t)

	b.HandleConnectionEstablished(p, ConnID(1), inboundRelayedPoint(t))

	ext := []ma.Multiaddr{mustAddr(t, "/ip4/198.51.100.2/tcp/4001")}
	a, ok := b.Poll(local, ext)
	if !ok || a.Kind != ActionNotifyHandler {
		t.Fatalf("action = %+v, ok=%v, want ActionNotifyHandler", a, ok)
	}
	cmd, isConnect := a.Cmd.(Connect)
	if !isConnect {
		t.Fatalf("Cmd = %T, want Connect", a.Cmd)
	}
	if len(cmd.ObsAddrs) != 1 {
		t.Fatalf("ObsAddrs = %v, want 1 entry", cmd.ObsAddrs)
	}
	if !hasP2PComponent(cmd.ObsAddrs[0]) {
		t.Errorf("ObsAddrs[0] = %s, want a /p2p suffix", cmd.ObsAddrs[0])
	}
	if cmd.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 (must survive late-binding)", cmd.Attempt)
	}
}

// drain consumes every currently queued action.
func drain(t *testing.T, b *Behavior) {
	t.Helper()
	for {
		if _, ok := b.Poll(testPeer(t), nil); !ok {
			return
		}
	}
}
