package dcutr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"
)

const (
	// ProtocolID is the stream protocol used for the CONNECT/SYNC exchange.
	ProtocolID = protocol.ID("/libp2p/dcutr")

	// StreamTimeout bounds a single CONNECT/SYNC exchange end to end.
	StreamTimeout = 10 * time.Second

	// MaxAttempts is the hard upper bound on initiator retries for a single
	// upgrade, regardless of any configured override.
	MaxAttempts = 3
)

// HandlerEvent is the sum type of events a Handler delivers to its owner.
type HandlerEvent interface{ isHandlerEvent() }

// InboundConnectReq is delivered when a peer opens a dcutr stream to us and
// sends a CONNECT. Addrs are the peer's observed addresses, to be dialed
// once the handshake completes; RemoteAddr is the relayed connection's own
// remote multiaddr, carried upward only for the RemoteInitiatedDirectConnectionUpgrade event.
type InboundConnectReq struct {
	Addrs      []ma.Multiaddr
	RemoteAddr ma.Multiaddr
}

// InboundConnectNeg is delivered after we have answered an inbound CONNECT
// with our own CONNECT and a SYNC. RemoteAddrs are the peer's addresses to
// dial directly, carried over from the InboundConnectReq that preceded it.
type InboundConnectNeg struct {
	RemoteAddrs []ma.Multiaddr
}

// OutboundConnectNeg is delivered once an outbound exchange we initiated has
// completed: we sent CONNECT, received the remote's CONNECT, sent SYNC, and
// waited out RTT/2. Attempt carries forward the attempt counter from the
// Connect command that triggered this exchange, so the Behavior can label
// the resulting direct dial with the same retry count.
type OutboundConnectNeg struct {
	RemoteAddrs []ma.Multiaddr
	RTT         time.Duration
	Attempt     uint8
}

// HandlerFailed is delivered when a command could not be carried out.
type HandlerFailed struct {
	Err error
}

func (InboundConnectReq) isHandlerEvent()   {}
func (InboundConnectNeg) isHandlerEvent()   {}
func (OutboundConnectNeg) isHandlerEvent()  {}
func (HandlerFailed) isHandlerEvent()       {}

// HandlerCmd is the sum type of commands a Behavior sends to a Handler.
type HandlerCmd interface{ isHandlerCmd() }

// Connect instructs the handler to open a new stream, send a CONNECT
// carrying obsAddrs, and run the initiator side of the exchange. Attempt is
// this upgrade's retry counter (1..=MaxAttempts), carried through to the
// resulting OutboundConnectNeg event unchanged.
type Connect struct {
	ObsAddrs []ma.Multiaddr
	Attempt  uint8
}

// AcceptInboundConnect instructs the handler to answer an already-received
// inbound CONNECT by sending its own CONNECT and a SYNC.
type AcceptInboundConnect struct {
	ObsAddrs []ma.Multiaddr
}

func (Connect) isHandlerCmd()              {}
func (AcceptInboundConnect) isHandlerCmd() {}

// Handler runs the CONNECT/SYNC exchange over one relayed connection to one
// peer. It has no retry logic of its own; a Behavior decides whether and
// how many times to retry by sending further commands.
type Handler struct {
	ID   ConnID
	Peer peer.ID
	conn network.Conn

	events chan HandlerEvent
	log    *slog.Logger

	// pending holds an inbound CONNECT accepted off the stream but not yet
	// acted on by AcceptInboundConnect.
	pendingStream network.Stream
	pendingWire   *wireConn
	pendingAddrs  []ma.Multiaddr
}

// NewHandler creates a Handler bound to one connection. The caller owns
// draining Events() and must call Notify for every decision a Behavior
// makes about this connection.
func NewHandler(id ConnID, p peer.ID, conn network.Conn, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ID:     id,
		Peer:   p,
		conn:   conn,
		events: make(chan HandlerEvent, 4),
		log:    log.With("component", "dcutr", "peer", p, "conn", id),
	}
}

// Events returns the channel of events this handler delivers on.
func (h *Handler) Events() <-chan HandlerEvent { return h.events }

func (h *Handler) deliver(ev HandlerEvent) {
	if f, ok := ev.(HandlerFailed); ok {
		var te interface{ Timeout() bool }
		if errors.As(f.Err, &te) && te.Timeout() {
			ev = HandlerFailed{Err: fmt.Errorf("%w: %w", ErrTimeout, f.Err)}
		}
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn("dropping dcutr event, channel full")
	}
}

// Notify runs cmd against the underlying connection. Connect drives the
// initiator role; AcceptInboundConnect answers a previously queued inbound
// CONNECT. Both block until the exchange completes, fails, or times out, so
// callers should run Notify in its own goroutine.
func (h *Handler) Notify(ctx context.Context, cmd HandlerCmd) {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()

	switch c := cmd.(type) {
	case Connect:
		h.runOutbound(ctx, c)
	case AcceptInboundConnect:
		h.runInboundAccept(ctx, c)
	default:
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: unknown command %T", cmd)})
	}
}

// runOutbound opens a stream pinned to the already-established relayed
// connection, negotiates the dcutr protocol, and runs the initiator
// exchange: send CONNECT, receive CONNECT, send SYNC, wait RTT/2.
func (h *Handler) runOutbound(ctx context.Context, cmd Connect) {
	s, err := h.conn.NewStream(ctx)
	if err != nil {
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: open stream: %w", err)})
		return
	}
	defer s.Close()

	if err := s.SetProtocol(ProtocolID); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: err})
		return
	}
	if _, err := multistream.SelectOneOf([]string{string(ProtocolID)}, s); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: negotiate protocol: %w", err)})
		return
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	wc := newWireConn(s)
	defer wc.Close()

	start := time.Now()
	if err := wc.writeConnect(cmd.ObsAddrs); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: write CONNECT: %w", err)})
		return
	}

	remoteAddrs, err := wc.readConnect()
	if err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: read CONNECT: %w", err)})
		return
	}
	rtt := time.Since(start)

	if err := wc.writeSync(); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: write SYNC: %w", err)})
		return
	}

	timer := time.NewTimer(rtt / 2)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		h.deliver(HandlerFailed{Err: ctx.Err()})
		return
	}

	h.deliver(OutboundConnectNeg{RemoteAddrs: remoteAddrs, RTT: rtt, Attempt: cmd.Attempt})
}

// HandleInboundStream is invoked by the owning service's stream handler
// when a remote peer opens a dcutr stream to us. It reads the initial
// CONNECT and queues InboundConnectReq; the owner answers it later via
// Notify(AcceptInboundConnect).
func (h *Handler) HandleInboundStream(s network.Stream) {
	if deadline := time.Now().Add(StreamTimeout); true {
		_ = s.SetDeadline(deadline)
	}
	wc := newWireConn(s)

	addrs, err := wc.readConnect()
	if err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: read inbound CONNECT: %w", err)})
		return
	}

	h.pendingStream = s
	h.pendingWire = wc
	h.pendingAddrs = addrs
	h.deliver(InboundConnectReq{Addrs: addrs, RemoteAddr: h.conn.RemoteMultiaddr()})
}

// runInboundAccept answers a previously queued inbound CONNECT with our own
// CONNECT followed by a SYNC. The listener does not wait for a SYNC from the
// initiator. The initiator starts its RTT/2 wait as soon as it has read our
// CONNECT and does not read this SYNC; our own dial attempt runs
// independently.
func (h *Handler) runInboundAccept(ctx context.Context, cmd AcceptInboundConnect) {
	s := h.pendingStream
	wc := h.pendingWire
	remoteAddrs := h.pendingAddrs
	if s == nil || wc == nil {
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: accept with no pending inbound CONNECT")})
		return
	}
	h.pendingStream, h.pendingWire, h.pendingAddrs = nil, nil, nil
	defer s.Close()
	defer wc.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := wc.writeConnect(cmd.ObsAddrs); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: write CONNECT: %w", err)})
		return
	}
	if err := wc.writeSync(); err != nil {
		s.Reset()
		h.deliver(HandlerFailed{Err: fmt.Errorf("dcutr: write SYNC: %w", err)})
		return
	}

	h.deliver(InboundConnectNeg{RemoteAddrs: remoteAddrs})
}
