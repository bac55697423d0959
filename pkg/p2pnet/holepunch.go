package p2pnet

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/dcutr/pkg/dcutr"
)

// HolePunchService owns one dcutr.Behavior for this host, runs its poll loop,
// and translates the Actions it produces into real libp2p calls: dialing
// peers, notifying per-connection dcutr.Handlers, and surfacing upgrade
// events. It implements network.Notifiee so it learns about every new
// connection without the caller having to wire that up by hand.
type HolePunchService struct {
	host     host.Host
	behavior *dcutr.Behavior
	tracker  *PathTracker // optional; a peer it reports as DIRECT gets no new upgrade
	metrics  *Metrics     // nil-safe
	audit    *AuditLogger // nil-safe
	log      *slog.Logger

	nextConnID atomic.Uint64

	mu       sync.Mutex
	handlers map[dcutr.ConnID]*dcutr.Handler
	// connIDs maps a live libp2p connection to the ConnID assigned to it, so
	// that an inbound dcutr stream arriving on a connection already known
	// from a Connected() notification reuses that connection's handler
	// instead of minting an unrelated second one.
	connIDs map[network.Conn]dcutr.ConnID

	// dialing tracks peers with an upgrade attempt in flight, so a
	// subsequent Connected notification for a new direct connection to
	// that peer can be recognized as the upgrade succeeding.
	dialing map[peer.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHolePunchService creates a HolePunchService for h. Metrics, tracker and
// audit are all optional (nil-safe).
func NewHolePunchService(h host.Host, tracker *PathTracker, m *Metrics, audit *AuditLogger, log *slog.Logger) *HolePunchService {
	if log == nil {
		log = slog.Default()
	}
	return &HolePunchService{
		host:     h,
		behavior: dcutr.NewBehavior(),
		tracker:  tracker,
		metrics:  m,
		audit:    audit,
		log:      log.With("component", "holepunch"),
		handlers: make(map[dcutr.ConnID]*dcutr.Handler),
		connIDs:  make(map[network.Conn]dcutr.ConnID),
		dialing:  make(map[peer.ID]struct{}),
	}
}

// ensureHandlerForConn returns the Handler already tracking conn, creating
// one and assigning it a fresh ConnID if this is the first time conn is
// seen. fresh reports whether a new Handler was created, so the caller
// knows whether it still needs to start draining its events.
func (s *HolePunchService) ensureHandlerForConn(conn network.Conn) (h *dcutr.Handler, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.connIDs[conn]; ok {
		return s.handlers[id], false
	}
	id := dcutr.ConnID(s.nextConnID.Add(1))
	h = dcutr.NewHandler(id, conn.RemotePeer(), conn, s.log)
	s.connIDs[conn] = id
	s.handlers[id] = h
	return h, true
}

// Start registers the service's stream handler and connection notifiee, and
// begins its poll loop. Call Close to stop it.
func (s *HolePunchService) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.host.SetStreamHandler(dcutr.ProtocolID, s.handleInboundStream)
	s.host.Network().Notify(s)

	s.wg.Add(1)
	go s.pollLoop()
}

// Close stops the poll loop and removes the stream handler.
func (s *HolePunchService) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.host.Network().StopNotify(s)
	s.host.RemoveStreamHandler(dcutr.ProtocolID)
	s.wg.Wait()
	return nil
}

// pollLoop repeatedly drains the Behavior's action queue, executing each
// Action. When the queue is empty it waits briefly before polling again,
// mirroring the poll-driven model this orchestrator is built around.
func (s *HolePunchService) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for {
				action, ok := s.behavior.Poll(s.host.ID(), s.externalAddrs())
				if !ok {
					break
				}
				s.execute(action)
			}
		}
	}
}

func (s *HolePunchService) execute(a dcutr.Action) {
	switch a.Kind {
	case dcutr.ActionNotifyHandler:
		h := s.handlerFor(a.Conn)
		if h == nil {
			return
		}
		go h.Notify(s.ctx, a.Cmd)

	case dcutr.ActionDial:
		s.dial(a)

	case dcutr.ActionGenerateEvent:
		s.handleOutEvent(a.Event)
	}
}

// dial performs the real libp2p dial for an ActionDial: this is always the
// direct dial triggered by a completed InboundConnectNeg/OutboundConnectNeg
// exchange, to the peer's directly reachable addresses, bypassing the
// "already connected" dedup check so a second, direct link is made even
// though a relayed one exists.
func (s *HolePunchService) dial(a dcutr.Action) {
	s.markDialing(a.Peer)
	ctx, cancel := context.WithTimeout(s.ctx, dcutr.StreamTimeout)
	defer cancel()
	err := s.host.Connect(ctx, peer.AddrInfo{ID: a.Peer, Addrs: a.DialAddrs})
	if s.audit != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		s.audit.DialAttempt(a.Peer.String(), addrsString(a.DialAddrs), result)
	}
	if err != nil {
		s.behavior.HandleDialFailure(a.Peer, a.DialPrototype, err)
	}
}

func (s *HolePunchService) handleOutEvent(ev dcutr.OutEvent) {
	switch e := ev.(type) {
	case dcutr.InitiateDirectConnectionUpgrade:
		s.log.Info("initiating direct connection upgrade", "peer", e.Peer)
		if s.audit != nil {
			s.audit.UpgradeInitiated(e.Peer.String(), "initiator", 1)
		}
	case dcutr.RemoteInitiatedDirectConnectionUpgrade:
		s.log.Info("remote initiated direct connection upgrade", "peer", e.Peer)
		if s.audit != nil {
			s.audit.UpgradeInitiated(e.Peer.String(), "listener", 1)
		}
	case dcutr.DirectConnectionUpgradeSucceeded:
		s.clearDialing(e.Peer)
		if s.metrics != nil {
			s.metrics.HolePunchTotal.WithLabelValues("success").Inc()
		}
		if s.audit != nil {
			s.audit.UpgradeSucceeded(e.Peer.String(), 1, 0)
		}
	case dcutr.DirectConnectionUpgradeFailed:
		s.clearDialing(e.Peer)
		if s.metrics != nil {
			s.metrics.HolePunchTotal.WithLabelValues("failure").Inc()
		}
		if s.audit != nil {
			reason := ""
			if e.Err != nil {
				reason = e.Err.Error()
			}
			s.audit.UpgradeFailed(e.Peer.String(), dcutr.MaxAttempts, reason)
		}
	}
}

func (s *HolePunchService) handleInboundStream(str network.Stream) {
	h, fresh := s.ensureHandlerForConn(str.Conn())
	if fresh {
		go s.drainHandler(h)
	}
	h.HandleInboundStream(str)
}

// drainHandler forwards every event from h into the Behavior until the
// service shuts down.
func (s *HolePunchService) drainHandler(h *dcutr.Handler) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			s.behavior.HandleEvent(h.Peer, h.ID, ev)
		}
	}
}

func (s *HolePunchService) handlerFor(id dcutr.ConnID) *dcutr.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[id]
}

func (s *HolePunchService) markDialing(p peer.ID) {
	s.mu.Lock()
	s.dialing[p] = struct{}{}
	s.mu.Unlock()
}

func (s *HolePunchService) clearDialing(p peer.ID) {
	s.mu.Lock()
	delete(s.dialing, p)
	s.mu.Unlock()
}

func (s *HolePunchService) isDialing(p peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dialing[p]
	return ok
}

// externalAddrs returns this host's public listen addresses, the obs_addrs
// candidates sent in outgoing CONNECT messages.
func (s *HolePunchService) externalAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range s.host.Addrs() {
		if manet.IsPublicAddr(a) {
			out = append(out, a)
		}
	}
	return out
}

func addrsString(addrs []ma.Multiaddr) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].String()
}

// Connected implements network.Notifiee. A new non-relayed connection to a
// peer with an upgrade in flight marks that upgrade as succeeded, per the
// emission-point decision recorded in DESIGN.md. A new relayed connection
// to a peer that the tracker already reports as DIRECT starts no upgrade.
func (s *HolePunchService) Connected(_ network.Network, conn network.Conn) {
	p := conn.RemotePeer()
	point := ConnectedPoint{
		Direction:  conn.Stat().Direction,
		LocalAddr:  conn.LocalMultiaddr(),
		RemoteAddr: conn.RemoteMultiaddr(),
	}

	if !point.IsRelayed() {
		if s.isDialing(p) {
			s.behavior.HandleUpgradeSucceeded(p)
		}
		return
	}

	if s.tracker != nil {
		if info, ok := s.tracker.GetPeerPath(p); ok && info.PathType == PathDirect {
			return
		}
	}

	h, fresh := s.ensureHandlerForConn(conn)
	if fresh {
		go s.drainHandler(h)
	}
	s.behavior.HandleConnectionEstablished(p, h.ID, point)
}

// Disconnected releases the handler state tracked for a closed connection.
// Per-peer upgrade state in the Behavior is left alone: a retry already in
// flight against a now-closed relay connection simply fails fast on its
// next notify, which HandleDialFailure/HandleEvent already tolerate.
func (s *HolePunchService) Disconnected(_ network.Network, conn network.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.connIDs[conn]; ok {
		delete(s.connIDs, conn)
		delete(s.handlers, id)
	}
}

func (s *HolePunchService) Listen(_ network.Network, _ ma.Multiaddr)      {}
func (s *HolePunchService) ListenClose(_ network.Network, _ ma.Multiaddr) {}

// ConnectedPoint is a local alias so HolePunchService can build a
// dcutr.ConnectedPoint without importing it under two names.
type ConnectedPoint = dcutr.ConnectedPoint
