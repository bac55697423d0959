package p2pnet

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestHolePunchHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.NoSecurity,
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestNewHolePunchServiceStartClose(t *testing.T) {
	h := newTestHolePunchHost(t)
	svc := NewHolePunchService(h, nil, nil, nil, slog.Default())

	svc.Start(context.Background())
	defer svc.Close()

	if svc.behavior == nil {
		t.Fatal("behavior not initialized")
	}
}

func TestHolePunchServiceIgnoresDirectConnections(t *testing.T) {
	a := newTestHolePunchHost(t)
	b := newTestHolePunchHost(t)

	svc := NewHolePunchService(a, nil, nil, nil, slog.Default())
	svc.Start(context.Background())
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bInfo := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	if err := a.Connect(ctx, bInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// direct (non-relayed) connections should never populate handlers.
	time.Sleep(50 * time.Millisecond)
	svc.mu.Lock()
	n := len(svc.handlers)
	svc.mu.Unlock()
	if n != 0 {
		t.Errorf("handlers = %d, want 0 for a direct connection", n)
	}
}

func TestHolePunchServiceExternalAddrsFiltersLoopback(t *testing.T) {
	h := newTestHolePunchHost(t)
	svc := NewHolePunchService(h, nil, nil, nil, slog.Default())

	addrs := svc.externalAddrs()
	for _, a := range addrs {
		t.Errorf("externalAddrs returned loopback-derived addr %s, want none", a)
	}
}

func TestHolePunchServiceStopNotifyOnClose(t *testing.T) {
	h := newTestHolePunchHost(t)
	svc := NewHolePunchService(h, nil, nil, nil, slog.Default())
	svc.Start(context.Background())

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second Close-equivalent call pattern (stop notify again) must not
	// panic; Network().StopNotify is idempotent against unknown notifiees.
	h.Network().StopNotify(svc)
}

var _ network.Notifiee = (*HolePunchService)(nil)
