// Package node implements the single-goroutine event loop that owns all
// of this daemon's mutable state: the hosted set, in-flight fetches, and
// the connections to the IPC bridge and the overlay. It generalizes the
// original daemon's Node::run/handle_bridge_event/handle_swarm_event
// (gistit-daemon/src/node.rs, event.rs) from gistit's single in-process
// file map to this node's content-addressed snippet hosting and fetch
// machinery. Background work (DHT lookups, provider dials, bytes-protocol
// exchanges) always reports its outcome back over a channel rather than
// touching hosted/pending directly, so state mutation itself never leaves
// the Run goroutine.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
	"github.com/powerloom/gistitd/pkgs/helpers"
	"github.com/powerloom/gistitd/pkgs/ipc"
	"github.com/powerloom/gistitd/pkgs/overlay"
	"github.com/powerloom/gistitd/pkgs/wire"
)

// timerTick is how often the event loop wakes up to progress pending
// fetches even when neither the IPC bridge nor the overlay produced an
// event, the internal-timer source §4.D's priority order names third.
const timerTick = 500 * time.Millisecond

// fetchTimeout bounds how long a single Fetch may stay pending end to end
// before it is marked Failed outright.
const fetchTimeout = 30 * time.Second

// perProviderTimeout bounds one DialingProvider/AwaitingBytes attempt.
const perProviderTimeout = 5 * time.Second

// providersFound is pumped back from the FindProviders goroutine handleFetch
// starts; it carries no error because a lookup that times out or errors
// simply reports zero providers, which the Resolved/Failed transition
// already handles identically to a genuine empty result.
type providersFound struct {
	hash      string
	providers []peer.AddrInfo
}

// fetchAttemptResult is pumped back from fetchFromProvider.
type fetchAttemptResult struct {
	hash    string
	snippet *wire.Snippet
	err     error
}

// Node owns the hosted set and pending fetch table and drives the event
// loop. pending, once Run starts, is touched only from the Run goroutine —
// no mutex, mirroring the original's single-task ownership of the Swarm +
// Bridge + pending maps. hosted is the one exception: the bytes protocol's
// inbound request handler (pkgs/overlay, via Lookup) reads it from a
// libp2p stream-handler goroutine concurrently with Run's writes, so it
// carries its own narrow RWMutex. Goroutines spawned to do network I/O
// (FindProviders, fetchFromProvider) carry no reference to pending at all
// — they report results over providersCh/attemptCh instead.
type Node struct {
	bridge    *ipc.Endpoint
	host      *overlay.Host
	reporting *helpers.ReportingService

	hostedMu sync.RWMutex
	hosted   map[string]*wire.Snippet

	pending map[string]*PendingFetch

	providersCh chan providersFound
	attemptCh   chan fetchAttemptResult
}

// New wires a Node around an already-bound IPC endpoint. The overlay host
// is supplied afterwards via SetHost, since overlay.New itself needs this
// Node's Lookup method (which only ever touches hosted, never host) before
// the host it would otherwise be constructed with exists.
func New(bridge *ipc.Endpoint) *Node {
	return &Node{
		bridge:      bridge,
		hosted:      make(map[string]*wire.Snippet),
		pending:     make(map[string]*PendingFetch),
		providersCh: make(chan providersFound, 16),
		attemptCh:   make(chan fetchAttemptResult, 16),
	}
}

// SetHost attaches the overlay host once it has been constructed with this
// Node's Lookup method as its bytes-protocol handler. Must be called before
// Run.
func (n *Node) SetHost(host *overlay.Host) {
	n.host = host
}

// SetReporting attaches the fault-reporting sink. A nil service is fine —
// ReportingService.SendFailureNotification is nil-receiver safe — so
// callers that leave reporting unconfigured need no special case.
func (n *Node) SetReporting(r *helpers.ReportingService) {
	n.reporting = r
}

// ParseMultiaddr parses a multiaddr string, exported so cmd/gistitd can
// validate --dial/--bootstrap-peer targets with the same parser the event
// loop's own Dial instruction uses.
func ParseMultiaddr(s string) (multiaddr.Multiaddr, error) {
	return parseMultiaddr(s)
}

// Lookup implements overlay.SnippetLookup against the hosted set, handed
// to overlay.New before the host's stream handler is registered. Runs on
// the libp2p stream-handler goroutine.
func (n *Node) Lookup(hash string) (*wire.Snippet, bool) {
	n.hostedMu.RLock()
	defer n.hostedMu.RUnlock()
	s, ok := n.hosted[hash]
	return s, ok
}

func (n *Node) setHosted(hash string, s *wire.Snippet) {
	n.hostedMu.Lock()
	n.hosted[hash] = s
	n.hostedMu.Unlock()
}

func (n *Node) getHosted(hash string) (*wire.Snippet, bool) {
	n.hostedMu.RLock()
	defer n.hostedMu.RUnlock()
	s, ok := n.hosted[hash]
	return s, ok
}

func (n *Node) countHosted() int {
	n.hostedMu.RLock()
	defer n.hostedMu.RUnlock()
	return len(n.hosted)
}

// Run drives the event loop until ctx is cancelled or a Shutdown
// instruction arrives. IPC instructions take priority over overlay
// events, which take priority over fetch-progress results, which take
// priority over the internal timer tick, matching §4.D's multiplexing
// order — implemented as non-blocking channel reads tried in that order
// each iteration, falling through to a blocking wait only once all are
// empty.
func (n *Node) Run(ctx context.Context) error {
	ipcCh := make(chan *wire.Instruction, 1)
	ipcErrCh := make(chan error, 1)
	go n.pumpIPC(ctx, ipcCh, ipcErrCh)

	ticker := time.NewTicker(timerTick)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case instr := <-ipcCh:
			if n.handleInstruction(ctx, instr) {
				return nil
			}
			continue
		default:
		}

		select {
		case ev := <-n.host.Events:
			n.handleOverlayEvent(ev)
			continue
		default:
		}

		select {
		case pf := <-n.providersCh:
			n.onProvidersFound(pf)
			continue
		case res := <-n.attemptCh:
			n.onFetchAttempt(ctx, res)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-ipcErrCh:
			if gistiterr.As(err, gistiterr.Validation) {
				log.WithError(err).Warn("node: dropping malformed ipc frame")
				continue
			}
			return err
		case instr := <-ipcCh:
			if n.handleInstruction(ctx, instr) {
				return nil
			}
		case ev := <-n.host.Events:
			n.handleOverlayEvent(ev)
		case pf := <-n.providersCh:
			n.onProvidersFound(pf)
		case res := <-n.attemptCh:
			n.onFetchAttempt(ctx, res)
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// pumpIPC translates the blocking Endpoint.Recv into a channel so Run's
// select can multiplex it against overlay events and the timer without a
// dedicated goroutine per instruction.
func (n *Node) pumpIPC(ctx context.Context, out chan<- *wire.Instruction, errOut chan<- error) {
	for {
		instr, err := n.bridge.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case errOut <- err:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case out <- instr:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) handleOverlayEvent(ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventPeerConnected:
		log.WithField("peer", ev.Peer).Debug("node: peer connected")
	case overlay.EventPeerDisconnected:
		log.WithField("peer", ev.Peer).Debug("node: peer disconnected")
		n.onPeerDisconnected(ev.Peer)
	}
}

// onPeerDisconnected fails any AwaitingBytes fetch whose current provider
// just dropped, so the loop moves on to the next ranked candidate on its
// next tick rather than waiting out the full per-provider timeout.
func (n *Node) onPeerDisconnected(p peer.ID) {
	for hash, pf := range n.pending {
		if pf.State == AwaitingBytes && pf.Current != nil && pf.Current.ID == p {
			log.WithField("hash", hash).Warn("node: provider disconnected mid-fetch")
			pf.LastErr = gistiterr.Newf(gistiterr.Network, "provider %s disconnected", p)
			pf.State = DialingProvider
			pf.Current = nil
		}
	}
}

// handleInstruction dispatches one decoded IPC instruction. It returns
// true when the node should stop (a Shutdown instruction), mirroring the
// original's std::process::exit(0) with a graceful return instead.
func (n *Node) handleInstruction(ctx context.Context, instr *wire.Instruction) bool {
	switch instr.Kind {
	case wire.KindProvide:
		n.handleProvide(ctx, instr.Provide)
	case wire.KindFetch:
		n.handleFetch(ctx, instr.Fetch)
	case wire.KindStatus:
		n.handleStatus(ctx)
	case wire.KindDial:
		n.handleDial(ctx, instr.Dial)
	case wire.KindShutdown:
		log.Warn("node: shutdown instruction received")
		return true
	default:
		log.WithField("kind", instr.Kind).Warn("node: ignoring instruction with no request arm set")
	}
	return false
}

func (n *Node) handleProvide(ctx context.Context, snippet *wire.Snippet) {
	if snippet == nil {
		n.respond(ctx, &wire.Instruction{Kind: wire.KindProvideResponse, ProvideResponse: &wire.ProvideResponse{Ok: false, Error: "missing snippet"}})
		return
	}
	if err := snippet.Validate(); err != nil {
		n.respond(ctx, &wire.Instruction{Kind: wire.KindProvideResponse, ProvideResponse: &wire.ProvideResponse{Hash: snippet.Hash, Ok: false, Error: err.Error()}})
		return
	}

	// The declared hash is trusted as-is, not recomputed against content —
	// same as the original daemon's Instruction::Provide handling. Only
	// format/range validation above gates a Provide.
	log.WithField("hash", snippet.Hash).Info("node: providing snippet")
	n.setHosted(snippet.Hash, snippet)

	if err := n.host.Provide(ctx, snippet.Hash); err != nil {
		log.WithError(err).Warn("node: dht provide failed")
		n.respond(ctx, &wire.Instruction{Kind: wire.KindProvideResponse, ProvideResponse: &wire.ProvideResponse{Hash: snippet.Hash, Ok: false, Error: err.Error()}})
		return
	}

	n.respond(ctx, &wire.Instruction{Kind: wire.KindProvideResponse, ProvideResponse: &wire.ProvideResponse{Hash: snippet.Hash, Ok: true}})
}

func (n *Node) handleFetch(ctx context.Context, hash string) {
	if len(hash) != wire.HashLength {
		n.respond(ctx, &wire.Instruction{Kind: wire.KindFetchResponse, FetchResponse: &wire.FetchResponse{Ok: false, Error: "invalid hash"}})
		return
	}

	if s, ok := n.getHosted(hash); ok {
		n.respond(ctx, &wire.Instruction{Kind: wire.KindFetchResponse, FetchResponse: &wire.FetchResponse{Snippet: s, Ok: true}})
		return
	}

	if _, already := n.pending[hash]; already {
		return
	}

	log.WithField("hash", hash).Info("node: looking up providers")
	n.pending[hash] = &PendingFetch{Hash: hash, State: LookingUpProviders, StartedAt: time.Now()}

	go func() {
		lookupCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		providers, err := n.host.FindProviders(lookupCtx, hash, 20)
		if err != nil {
			log.WithError(err).WithField("hash", hash).Warn("node: find providers failed")
		}
		select {
		case n.providersCh <- providersFound{hash: hash, providers: providers}:
		case <-ctx.Done():
		}
	}()
}

func (n *Node) onProvidersFound(pf providersFound) {
	p, ok := n.pending[pf.hash]
	if !ok || p.State != LookingUpProviders {
		return
	}
	p.Providers = n.rankForFetch(pf.providers)
	if len(p.Providers) == 0 {
		n.failFetch(context.Background(), p, gistiterr.Newf(gistiterr.NotFound, "no providers found for %s", pf.hash))
		return
	}
	p.State = DialingProvider
}

// rankForFetch is a thin wrapper over rankProviders using the host's live
// connectedness and latency data.
func (n *Node) rankForFetch(candidates []peer.AddrInfo) []peer.AddrInfo {
	connected := make(map[peer.ID]bool, len(candidates))
	for _, c := range candidates {
		connected[c.ID] = n.host.Connectedness(c.ID) == network.Connected
	}
	return rankProviders(candidates, connected, n.host.Latency)
}

func (n *Node) handleStatus(ctx context.Context) {
	n.respond(ctx, &wire.Instruction{
		Kind: wire.KindStatusResponse,
		StatusResponse: &wire.StatusResponse{
			PeerID:           n.host.ID().String(),
			PeerCount:        uint32(len(n.host.Peers())),
			Hosting:          uint32(n.countHosted()),
			RoutingTableSize: uint32(n.host.RoutingTableSize()),
		},
	})
}

func (n *Node) handleDial(ctx context.Context, addr string) {
	ma, err := parseMultiaddr(addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Warn("node: bad dial multiaddr")
		n.respond(ctx, &wire.Instruction{Kind: wire.KindStatusResponse, StatusResponse: &wire.StatusResponse{}})
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, perProviderTimeout)
	defer cancel()
	if _, err := n.host.Dial(dialCtx, ma); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("node: manual dial failed")
	}
}

// respond sends one reply frame. A FetchResponse whose snippet cannot be
// sent (for example because it exceeds the 64 KiB IPC frame ceiling) is
// replaced by a single Ok=false FetchResponse carrying the send error, so
// the fetch still gets exactly one reply and is never truncated.
func (n *Node) respond(ctx context.Context, instr *wire.Instruction) {
	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := n.bridge.Send(sendCtx, instr)
	if err != nil && instr.Kind == wire.KindFetchResponse && instr.FetchResponse != nil && instr.FetchResponse.Snippet != nil {
		err = n.bridge.Send(sendCtx, &wire.Instruction{Kind: wire.KindFetchResponse, FetchResponse: &wire.FetchResponse{Ok: false, Error: err.Error()}})
	}
	if err != nil {
		log.WithError(err).Warn("node: failed to send ipc response")
	}
}

// tick progresses every pending fetch one step, the internal-timer-driven
// half of the event loop.
func (n *Node) tick(ctx context.Context) {
	now := time.Now()
	hashes := make([]string, 0, len(n.pending))
	for h := range n.pending {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		pf, ok := n.pending[hash]
		if !ok {
			continue
		}
		if now.Sub(pf.StartedAt) > fetchTimeout {
			n.failFetch(ctx, pf, gistiterr.Newf(gistiterr.NotFound, "fetch timed out for %s", hash))
			continue
		}
		if now.Before(pf.NextAttemptAt) {
			continue
		}
		n.advanceFetch(ctx, pf)
	}
}

func (n *Node) advanceFetch(ctx context.Context, pf *PendingFetch) {
	switch pf.State {
	case LookingUpProviders:
		// Still waiting on onProvidersFound.
		return
	case DialingProvider:
		next, ok := pf.nextProvider()
		if !ok {
			n.failFetch(ctx, pf, gistiterr.Newf(gistiterr.NotFound, "exhausted all providers for %s", pf.Hash))
			return
		}
		pf.Current = &next
		pf.Attempts++
		pf.State = AwaitingBytes
		go n.fetchFromProvider(ctx, pf.Hash, next)
	case AwaitingBytes:
		// Still waiting on onFetchAttempt.
		return
	}
}

// fetchFromProvider runs entirely off the Run goroutine and never touches
// Node's maps; it reports its outcome through attemptCh so only Run
// mutates pending/hosted. A transient failure against this same provider
// (connection reset, a timed-out stream) is retried in place a couple of
// times via sethvargo/go-retry before the caller moves on to the next
// ranked candidate — same-provider retries and cross-provider fallback are
// deliberately two different policies.
func (n *Node) fetchFromProvider(ctx context.Context, hash string, target peer.AddrInfo) {
	dialCtx, cancel := context.WithTimeout(ctx, perProviderTimeout)
	defer cancel()

	send := func(snippet *wire.Snippet, err error) {
		select {
		case n.attemptCh <- fetchAttemptResult{hash: hash, snippet: snippet, err: err}:
		case <-ctx.Done():
		}
	}

	var snippet *wire.Snippet
	b := retry.NewExponential(100 * time.Millisecond)
	b = retry.WithMaxRetries(2, b)
	err := retry.Do(dialCtx, b, func(ctx context.Context) error {
		if _, err := n.host.Dial(ctx, addrInfoToMultiaddr(target)); err != nil {
			return retry.RetryableError(err)
		}
		s, err := overlay.RequestSnippet(ctx, n.host, target.ID, hash)
		if err != nil {
			return retry.RetryableError(err)
		}
		snippet = s
		return nil
	})
	if err != nil {
		send(nil, err)
		return
	}
	if snippet == nil {
		send(nil, gistiterr.Newf(gistiterr.NotFound, "provider %s does not host %s", target.ID, hash))
		return
	}
	if got := wire.ComputeHash(snippet.Author, snippet.Description, snippet.Inner); got != hash {
		send(nil, wire.ErrHashMismatch)
		return
	}
	if err := snippet.Validate(); err != nil {
		send(nil, gistiterr.New(gistiterr.Validation, err))
		return
	}
	send(snippet, nil)
}

func (n *Node) onFetchAttempt(ctx context.Context, res fetchAttemptResult) {
	pf, ok := n.pending[res.hash]
	if !ok || pf.State != AwaitingBytes {
		return
	}

	if res.err != nil {
		n.retryOrFail(ctx, pf, res.err)
		return
	}

	pf.State = Resolved
	n.setHosted(res.hash, res.snippet)
	delete(n.pending, res.hash)
	n.respond(ctx, &wire.Instruction{Kind: wire.KindFetchResponse, FetchResponse: &wire.FetchResponse{Snippet: res.snippet, Ok: true}})
}

// retryOrFail drops back to DialingProvider to try the next ranked
// candidate, holding off the next attempt by a cross-provider backoff
// delay (cenkalti/backoff, the same library the teacher's stream pool
// uses for stream-creation retries) so a provider queue made entirely of
// unreachable peers does not spin the tick loop hot. It fails the fetch
// outright once every provider has been tried.
func (n *Node) retryOrFail(ctx context.Context, pf *PendingFetch, err error) {
	pf.LastErr = err
	pf.Current = nil
	if len(pf.Providers) == 0 {
		n.failFetch(ctx, pf, err)
		return
	}
	pf.State = DialingProvider
	pf.NextAttemptAt = time.Now().Add(crossProviderDelay(pf.Attempts))
}

// crossProviderDelay grows with Attempts using the same exponential curve
// cenkalti/backoff.NewExponentialBackOff applies elsewhere in the pack,
// capped so a long provider queue still drains in bounded time.
func crossProviderDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 150 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d > b.MaxInterval {
			d = b.MaxInterval
			break
		}
	}
	return d
}

func (n *Node) failFetch(ctx context.Context, pf *PendingFetch, err error) {
	log.WithError(err).WithField("hash", pf.Hash).Warn("node: fetch failed")
	pf.State = Failed
	delete(n.pending, pf.Hash)
	go n.reporting.SendFailureNotification("", "fetch_failed", err.Error())
	n.respond(ctx, &wire.Instruction{Kind: wire.KindFetchResponse, FetchResponse: &wire.FetchResponse{Ok: false, Error: err.Error()}})
}
