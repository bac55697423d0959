package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/dcutr/internal/config"
)

// Network wires a libp2p host together with the hole punch orchestrator,
// path tracker, path dialer, peer manager, peer relay, NAT/STUN probing,
// network change monitoring, metrics and audit logging that make up this
// node's P2P stack.
type Network struct {
	host      host.Host
	config    *config.Config
	holepunch *HolePunchService
	tracker   *PathTracker
	dialer    *PathDialer
	peers     *PeerManager
	relay     *PeerRelay
	stun      *STUNProber
	netmon    *NetworkMonitor
	kdht      *dht.IpfsDHT
	ifaces    *InterfaceSummary
	metrics   *Metrics
	audit     *AuditLogger
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config for creating a new P2P network.
type Config struct {
	KeyFile string
	Config  *config.Config

	// Relay configuration (optional)
	EnableRelay        bool     // Enable relay support (AutoRelay with RelayAddrs as static relays)
	RelayAddrs         []string // Relay server multiaddrs (e.g., "/ip4/1.2.3.4/tcp/7777/p2p/12D3Koo...")
	ForcePrivate       bool     // Force private reachability (required for relay reservations); only applied with EnableRelay
	EnableNATPortMap   bool     // Enable NAT port mapping; only applied with EnableRelay
	EnableHolePunching bool     // Enable DCUtR hole punching

	Metrics *Metrics     // optional, nil disables metric emission
	Audit   *AuditLogger // optional, nil disables audit logging
	Logger  *slog.Logger // optional, defaults to slog.Default()
}

// New creates a new P2P network instance.
func New(cfg *Config) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	priv, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}

	if cfg.Config != nil && len(cfg.Config.Network.ListenAddresses) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.Config.Network.ListenAddresses...))
	}

	var relayInfos []peer.AddrInfo
	if cfg.EnableRelay {
		relayInfos, err = ParseRelayAddrs(cfg.RelayAddrs)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to parse relay addresses: %w", err)
		}

		if len(relayInfos) > 0 {
			hostOpts = append(hostOpts, libp2p.EnableAutoRelayWithStaticRelays(relayInfos))
		}

		if cfg.EnableNATPortMap {
			hostOpts = append(hostOpts, libp2p.NATPortMap())
		}

		if cfg.ForcePrivate {
			hostOpts = append(hostOpts, libp2p.ForceReachabilityPrivate())
		}
	}

	// Hole punching is handled by our own dcutr-based HolePunchService
	// rather than go-libp2p's built-in implementation, so AutoNAT's
	// reachability tracking is kept but libp2p.EnableHolePunching is
	// deliberately never set here.
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *Metrics
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	tracker := NewPathTracker(h, metrics)
	go tracker.Start(ctx)

	net := &Network{
		host:    h,
		config:  cfg.Config,
		tracker: tracker,
		metrics: metrics,
		audit:   cfg.Audit,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.EnableHolePunching {
		net.holepunch = NewHolePunchService(h, tracker, metrics, cfg.Audit, logger)
		net.holepunch.Start(ctx)
	}

	if cfg.EnableRelay && len(relayInfos) > 0 {
		net.kdht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoClient))
		if err != nil {
			logger.Warn("dht init failed, falling back to relay-only path dialing", "error", err)
			net.kdht = nil
		} else if err := net.kdht.Bootstrap(ctx); err != nil {
			logger.Warn("dht bootstrap failed", "error", err)
		}
	}

	net.dialer = NewPathDialer(h, net.kdht, cfg.RelayAddrs, metrics)

	if watched := parseWatchPeerIDs(cfg.Config, logger); len(watched) > 0 {
		net.peers = NewPeerManager(h, net.dialer, metrics, net.recordReconnect)
		net.peers.SetWatchlist(watched)
		net.peers.Start(ctx)
	}

	net.ifaces, err = DiscoverInterfaces()
	if err != nil {
		logger.Warn("interface discovery failed", "error", err)
		net.ifaces = &InterfaceSummary{}
	}

	if cfg.Config != nil && cfg.Config.Relay.EnablePeerRelay {
		net.relay = NewPeerRelay(h, metrics)
		net.relay.AutoDetect(net.ifaces)
	}

	net.stun = NewSTUNProber(nil, metrics)
	go net.probeSTUN()

	net.netmon = NewNetworkMonitor(net.onNetworkChange, metrics)
	net.wg.Add(1)
	go func() {
		defer net.wg.Done()
		net.netmon.Run(ctx)
	}()

	return net, nil
}

// probeSTUN runs a single STUN probe in the background at startup so NAT
// type and external address discovery don't block host creation.
func (n *Network) probeSTUN() {
	probeCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	result, err := n.stun.Probe(probeCtx)
	if err != nil {
		n.log.Warn("stun probe failed", "error", err)
		return
	}
	grade := ComputeReachabilityGrade(n.ifaces, result)
	n.log.Info("reachability assessed", "nat_type", result.NATType, "grade", grade.Grade, "label", grade.Label)
}

// onNetworkChange is NetworkMonitor's callback. It refreshes the cached
// interface summary, re-evaluates whether this host should relay for other
// peers, resets PeerManager's backoff schedule (the old schedule no longer
// reflects reality), and re-probes STUN since the external address may have
// changed along with the local one.
func (n *Network) onNetworkChange(change *NetworkChange) {
	summary, err := DiscoverInterfaces()
	if err != nil {
		n.log.Warn("interface re-discovery failed", "error", err)
		return
	}
	n.ifaces = summary

	if n.metrics != nil {
		ipv4Count, ipv6Count := 0, 0
		for _, iface := range summary.Interfaces {
			if len(iface.IPv4Addrs) > 0 {
				ipv4Count++
			}
			if len(iface.IPv6Addrs) > 0 {
				ipv6Count++
			}
		}
		n.metrics.InterfaceCount.WithLabelValues("ipv4").Set(float64(ipv4Count))
		n.metrics.InterfaceCount.WithLabelValues("ipv6").Set(float64(ipv6Count))
	}

	if n.relay != nil {
		n.relay.AutoDetect(summary)
	}
	if n.peers != nil {
		n.peers.OnNetworkChange()
	}

	n.log.Info("network change detected",
		"added", len(change.Added), "removed", len(change.Removed),
		"ipv6_changed", change.IPv6Changed, "ipv4_changed", change.IPv4Changed)

	go func() {
		probeCtx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if _, err := n.stun.Probe(probeCtx); err != nil {
			n.log.Warn("stun re-probe failed", "error", err)
		}
	}()
}

// recordReconnect is PeerManager's ConnectionRecorder. It surfaces a
// watchlist reconnection through the same audit trail HolePunchService
// uses for upgrades, so both reconnect paths show up in one place.
func (n *Network) recordReconnect(peerID, pathType string, latencyMs float64) {
	if n.audit == nil {
		return
	}
	n.audit.DialAttempt(peerID, pathType, "reconnected")
}

// parseWatchPeerIDs decodes cfg.Network.WatchPeers into peer.IDs, logging
// and skipping any entry that doesn't parse rather than failing startup.
func parseWatchPeerIDs(cfg *config.Config, logger *slog.Logger) []peer.ID {
	if cfg == nil {
		return nil
	}
	var out []peer.ID
	for _, s := range cfg.Network.WatchPeers {
		pid, err := peer.Decode(s)
		if err != nil {
			logger.Warn("invalid watch_peers entry, skipping", "value", s, "error", err)
			continue
		}
		out = append(out, pid)
	}
	return out
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// PeerID returns the peer ID of this network node.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// PathTracker returns the tracker used to observe DIRECT/RELAYED peer
// connectivity, nil if not yet created.
func (n *Network) PathTracker() *PathTracker {
	return n.tracker
}

// PathDialer returns the dialer used to race DHT and relay paths when
// connecting to a peer.
func (n *Network) PathDialer() *PathDialer {
	return n.dialer
}

// PeerManager returns the watchlist reconnect manager, nil if no watch_peers
// were configured.
func (n *Network) PeerManager() *PeerManager {
	return n.peers
}

// PeerRelay returns the circuit relay this host offers to other peers, nil
// unless relay.enable_peer_relay is set.
func (n *Network) PeerRelay() *PeerRelay {
	return n.relay
}

// Reachability returns the current reachability grade computed from the
// last interface discovery and STUN probe.
func (n *Network) Reachability() ReachabilityGrade {
	return ComputeReachabilityGrade(n.ifaces, n.stun.Result())
}

// AddRelayAddressesForPeer adds relay circuit addresses for a target peer to
// the peerstore. This allows the client to reach the target peer through
// the configured relay servers.
func (n *Network) AddRelayAddressesForPeer(relayAddrs []string, targetPeerID peer.ID) error {
	for _, relayAddr := range relayAddrs {
		circuitAddr := relayAddr + "/p2p-circuit/p2p/" + targetPeerID.String()
		addrInfo, err := peer.AddrInfoFromString(circuitAddr)
		if err != nil {
			return fmt.Errorf("failed to parse relay circuit address %s: %w", circuitAddr, err)
		}
		n.host.Peerstore().AddAddrs(addrInfo.ID, addrInfo.Addrs, peerstore.PermanentAddrTTL)
	}
	return nil
}

// Close shuts down the network.
func (n *Network) Close() error {
	n.cancel()
	if n.holepunch != nil {
		n.holepunch.Close()
	}
	if n.peers != nil {
		n.peers.Close()
	}
	if n.kdht != nil {
		n.kdht.Close()
	}
	n.wg.Wait()
	return n.host.Close()
}

// ParseRelayAddrs parses relay multiaddrs into peer.AddrInfo slices.
// It deduplicates by peer ID and merges addresses for the same relay peer.
func ParseRelayAddrs(relayAddrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	seen := make(map[peer.ID]bool)

	for _, s := range relayAddrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid relay addr %s: %w", s, err)
		}

		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("cannot parse relay addr %s: %w", s, err)
		}

		if !seen[ai.ID] {
			seen[ai.ID] = true
			infos = append(infos, *ai)
		} else {
			for i := range infos {
				if infos[i].ID == ai.ID {
					infos[i].Addrs = append(infos[i].Addrs, ai.Addrs...)
				}
			}
		}
	}

	return infos, nil
}
