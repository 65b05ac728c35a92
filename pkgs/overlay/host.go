// Package overlay builds and operates the libp2p host this node speaks
// over: transport and security, the Kademlia DHT used for provider
// records, relay/AutoNAT for peers behind NATs, and the custom bytes
// protocol snippets travel over. It generalizes the teacher's
// pkgs/service/host.go and relay.go, which built a client-mode DHT host for
// a snapshot-submission relay network, into a provider-mode host for a
// content-addressed snippet overlay.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/core/crypto"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	madns "github.com/multiformats/go-multiaddr-dns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
)

// Settings configures the host this package constructs. It generalizes the
// teacher's ad hoc (bootstrapPeers, listenerPort) parameter pair into a
// struct that also carries the watermarks host.go hardcoded.
type Settings struct {
	ListenHost string
	ListenPort uint16

	ConnManagerLowWater  int
	ConnManagerHighWater int

	// BootstrapPeers are dialed once the host is up to seed the DHT routing
	// table. Only these peers are dialed; the library's default bootstrap
	// set is not added here (cmd/gistitd appends it when --bootstrap is set).
	BootstrapPeers []multiaddr.Multiaddr

	// EnableRelayService lets this node act as a circuit-v2 relay for
	// peers behind a NAT it itself is not behind.
	EnableRelayService bool

	// PingIdleTimeout closes a peer connection once this long has passed
	// without a successful ping round trip. Zero disables idle pruning.
	PingIdleTimeout time.Duration
}

// Host wraps a constructed libp2p host together with its DHT and the
// channel of overlay events the node event loop consumes.
type Host struct {
	host   host.Host
	dht    *dht.IpfsDHT
	ping   *ping.PingService
	Events chan Event
}

// Event is the narrow set of overlay-originated occurrences the event loop
// needs to react to: peer connectivity changes. Inbound
// fetch requests do not appear here — they are answered synchronously by
// the bytes protocol handler against the lookup function supplied at
// construction, per the spec's "no round trip through the event loop for
// inbound requests" design.
type Event struct {
	Kind EventKind
	Peer peer.ID
	Addr multiaddr.Multiaddr
}

// EventKind enumerates the Event variants.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
)

// New builds the libp2p host, DHT, ping service, and bytes protocol
// handler under the given persisted identity, then dials every configured
// bootstrap peer. It generalizes host.go's resource manager (kept
// unlimited, exactly as the teacher configures it — this node's own
// connection manager watermarks are the actual throttle) and adds
// websocket transport, relay, AutoNAT, and DNS multiaddr resolution, none
// of which the teacher's client-only host needed but all of which a
// content-providing node does.
func New(ctx context.Context, key crypto.PrivKey, settings Settings, lookup SnippetLookup) (*Host, error) {
	listenAddr := fmt.Sprintf("/ip4/%s/tcp/%d", settings.ListenHost, settings.ListenPort)
	listenWsAddr := fmt.Sprintf("/ip4/%s/tcp/%d/ws", settings.ListenHost, settings.ListenPort+1)

	scalingLimits := rcmgr.DefaultLimits
	limitsCfg := rcmgr.PartialLimitConfig{
		System: rcmgr.ResourceLimits{
			StreamsOutbound: rcmgr.Unlimited,
			StreamsInbound:  rcmgr.Unlimited,
			Streams:         rcmgr.Unlimited,
			Conns:           rcmgr.Unlimited,
			ConnsOutbound:   rcmgr.Unlimited,
			ConnsInbound:    rcmgr.Unlimited,
			FD:              rcmgr.Unlimited,
			Memory:          rcmgr.LimitVal64(rcmgr.Unlimited),
		},
		Transient: rcmgr.ResourceLimits{
			StreamsOutbound: rcmgr.Unlimited,
			StreamsInbound:  rcmgr.Unlimited,
			Streams:         rcmgr.Unlimited,
			Conns:           rcmgr.Unlimited,
			ConnsOutbound:   rcmgr.Unlimited,
			ConnsInbound:    rcmgr.Unlimited,
			FD:              rcmgr.Unlimited,
			Memory:          rcmgr.LimitVal64(rcmgr.Unlimited),
		},
	}
	limiter := rcmgr.NewFixedLimiter(limitsCfg.Build(scalingLimits.AutoScale()))
	rscMgr, err := rcmgr.NewResourceManager(limiter, rcmgr.WithMetricsDisabled())
	if err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}

	low, high := settings.ConnManagerLowWater, settings.ConnManagerHighWater
	if low == 0 {
		low = 100
	}
	if high == 0 {
		high = 400
	}
	cm, err := connmgr.NewConnManager(low, high, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}

	var kademliaDHT *dht.IpfsDHT

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenAddr, listenWsAddr),
		libp2p.ResourceManager(rscMgr),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var derr error
			kademliaDHT, derr = dht.New(ctx, h, dht.Mode(dht.ModeAuto))
			return kademliaDHT, derr
		}),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.MultiaddrResolver(madns.DefaultResolver),
		libp2p.EnableNATService(),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
		libp2p.EnableAutoNATv2(),
	}
	if settings.EnableRelayService {
		opts = append(opts, libp2p.EnableRelayService())
	}
	if key != nil {
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}

	if kademliaDHT == nil {
		_ = h.Close()
		return nil, gistiterr.Newf(gistiterr.Network, "overlay: dht was not constructed during host setup")
	}

	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		_ = h.Close()
		return nil, gistiterr.New(gistiterr.Network, err)
	}
	log.Infof("overlay: dht routing table size: %d", kademliaDHT.RoutingTable().Size())

	pingSvc := ping.NewPingService(h)

	oh := &Host{
		host:   h,
		dht:    kademliaDHT,
		ping:   pingSvc,
		Events: make(chan Event, 64),
	}

	registerBytesProtocol(oh, lookup)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			log.Infof("overlay: peer connected: %s, addr: %s", conn.RemotePeer(), conn.RemoteMultiaddr())
			emit(oh.Events, Event{Kind: EventPeerConnected, Peer: conn.RemotePeer(), Addr: conn.RemoteMultiaddr()})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			log.Infof("overlay: peer disconnected: %s, addr: %s", conn.RemotePeer(), conn.RemoteMultiaddr())
			emit(oh.Events, Event{Kind: EventPeerDisconnected, Peer: conn.RemotePeer(), Addr: conn.RemoteMultiaddr()})
		},
	})

	dialBootstrapPeers(ctx, h, settings.BootstrapPeers)

	if settings.PingIdleTimeout > 0 {
		go oh.idleConnectionLoop(ctx, settings.PingIdleTimeout)
	}

	log.Infof("overlay: host created with id %s, listening on %v", h.ID(), h.Addrs())
	return oh, nil
}

// idleConnectionLoop pings every connected peer on a ticker and closes any
// connection that has gone longer than idleTimeout without a successful
// round trip. It generalizes the teacher's stream pool ticker-ping-close
// loop (maintainPool/cleanPool) from a bounded pool of streams to this
// host's whole connected-peer set, using the ping service in place of the
// teacher's raw stream.Write probe.
func (h *Host) idleConnectionLoop(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	lastAlive := make(map[peer.ID]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, p := range h.host.Network().Peers() {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				res, ok := <-h.ping.Ping(pingCtx, p)
				cancel()

				if ok && res.Error == nil {
					lastAlive[p] = now
					continue
				}

				last, seen := lastAlive[p]
				if !seen {
					lastAlive[p] = now
					continue
				}
				if now.Sub(last) > idleTimeout {
					log.WithField("peer", p).Warn("overlay: closing idle connection")
					_ = h.host.Network().ClosePeer(p)
					delete(lastAlive, p)
				}
			}
		}
	}
}

// emit is non-blocking: a stalled event loop must never back up into the
// libp2p notifier goroutines.
func emit(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		log.Warn("overlay: event channel full, dropping event")
	}
}

func dialBootstrapPeers(ctx context.Context, h host.Host, addrs []multiaddr.Multiaddr) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.WithError(err).Warn("overlay: bad bootstrap multiaddr")
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			if err := h.Connect(ctx, pi); err != nil {
				log.WithError(err).Warnf("overlay: failed to connect to bootstrap peer %s", pi.ID)
			} else {
				log.Infof("overlay: connected to bootstrap peer %s", pi.ID)
			}
		}(*peerInfo)
	}
	wg.Wait()
}

// ID returns this node's peer ID.
func (h *Host) ID() peer.ID { return h.host.ID() }

// Addrs returns this node's currently known listen addresses.
func (h *Host) Addrs() []multiaddr.Multiaddr { return h.host.Addrs() }

// Connectedness reports the current connection state to p.
func (h *Host) Connectedness(p peer.ID) network.Connectedness {
	return h.host.Network().Connectedness(p)
}

// Peers returns the set of currently connected peers.
func (h *Host) Peers() []peer.ID { return h.host.Network().Peers() }

// Dial connects directly to a peer described by a full p2p multiaddr.
func (h *Host) Dial(ctx context.Context, addr multiaddr.Multiaddr) (peer.ID, error) {
	peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return "", gistiterr.New(gistiterr.Validation, err)
	}
	if err := h.host.Connect(ctx, *peerInfo); err != nil {
		return "", gistiterr.New(gistiterr.Network, err)
	}
	return peerInfo.ID, nil
}

// Provide announces hash on the DHT as a provider record. The record is
// always stored in this node's own provider store; it is broadcast to the
// closest peers only when the routing table is non-empty, so a node with no
// known DHT peers yet still provides successfully.
func (h *Host) Provide(ctx context.Context, hash string) error {
	c, err := hashToCID(hash)
	if err != nil {
		return gistiterr.New(gistiterr.Validation, err)
	}
	broadcast := h.dht.RoutingTable().Size() > 0
	if err := h.dht.Provide(ctx, c, broadcast); err != nil {
		return gistiterr.New(gistiterr.Network, err)
	}
	return nil
}

// FindProviders queries the DHT for peers advertising hash, returning at
// most limit of them.
func (h *Host) FindProviders(ctx context.Context, hash string, limit int) ([]peer.AddrInfo, error) {
	c, err := hashToCID(hash)
	if err != nil {
		return nil, gistiterr.New(gistiterr.Validation, err)
	}
	providersCh := h.dht.FindProvidersAsync(ctx, c, limit)
	var out []peer.AddrInfo
	for pi := range providersCh {
		out = append(out, pi)
	}
	return out, nil
}

// Latency returns the EWMA latency estimate libp2p's ping/identify
// machinery has accumulated for p, used to rank providers by proximity.
func (h *Host) Latency(p peer.ID) time.Duration {
	return h.host.Peerstore().LatencyEWMA(p)
}

// RoutingTableSize reports how many peers the DHT currently knows about,
// surfaced through Status.
func (h *Host) RoutingTableSize() int { return h.dht.RoutingTable().Size() }

// Close tears down the host and its DHT.
func (h *Host) Close() error {
	if err := h.dht.Close(); err != nil {
		log.WithError(err).Warn("overlay: error closing dht")
	}
	return h.host.Close()
}
