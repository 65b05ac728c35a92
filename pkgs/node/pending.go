package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// FetchState is one state of a PendingFetch's lifecycle. It generalizes
// the original daemon's flat pending_get_providers/pending_request_file
// sets into an explicit per-hash state machine; the event loop keeps one
// PendingFetch per hash. Status does not report fetch states.
type FetchState int

const (
	LookingUpProviders FetchState = iota
	DialingProvider
	AwaitingBytes
	Resolved
	Failed
)

func (s FetchState) String() string {
	switch s {
	case LookingUpProviders:
		return "looking_up_providers"
	case DialingProvider:
		return "dialing_provider"
	case AwaitingBytes:
		return "awaiting_bytes"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingFetch tracks one in-flight Fetch instruction from the moment it
// enters LookingUpProviders until it reaches Resolved or Failed.
type PendingFetch struct {
	Hash string

	State FetchState

	// Providers is the ranked queue of candidates still worth trying,
	// most promising first. Dequeued as each attempt fails.
	Providers []peer.AddrInfo

	// Current is the provider DialingProvider/AwaitingBytes is currently
	// working against, if any.
	Current *peer.AddrInfo

	Attempts  int
	StartedAt time.Time
	LastErr   error

	// NextAttemptAt holds off the next DialingProvider transition until the
	// cross-provider backoff computed in retryOrFail has elapsed.
	NextAttemptAt time.Time
}

// rankProviders orders candidates connected-first, then by ascending
// latency, then arbitrarily — the same preference order §4.D's provider
// ranking rule specifies. A latencyOf result of zero or less means no
// latency sample yet; such peers sort after every measured peer of the same
// tier. The sort is a stable insertion sort, so equal-weight peers keep
// their input order.
func rankProviders(candidates []peer.AddrInfo, connected map[peer.ID]bool, latencyOf func(peer.ID) time.Duration) []peer.AddrInfo {
	ranked := make([]peer.AddrInfo, len(candidates))
	copy(ranked, candidates)

	weight := func(pi peer.AddrInfo) (int, time.Duration) {
		tier := 1
		if connected[pi.ID] {
			tier = 0
		}
		lat := latencyOf(pi.ID)
		if lat <= 0 {
			lat = time.Hour // unknown latency sorts after any measured peer
		}
		return tier, lat
	}

	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			ti, li := weight(ranked[j])
			tj, lj := weight(ranked[j-1])
			if ti < tj || (ti == tj && li < lj) {
				ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
			} else {
				break
			}
		}
	}
	return ranked
}

// nextProvider pops the next candidate off the ranked queue, or reports
// exhaustion.
func (p *PendingFetch) nextProvider() (peer.AddrInfo, bool) {
	if len(p.Providers) == 0 {
		return peer.AddrInfo{}, false
	}
	next := p.Providers[0]
	p.Providers = p.Providers[1:]
	return next, true
}
