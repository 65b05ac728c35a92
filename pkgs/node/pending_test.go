package node

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func mustID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

func TestRankProvidersPrefersConnectedThenLatency(t *testing.T) {
	a, b, c := mustID(t), mustID(t), mustID(t)

	candidates := []peer.AddrInfo{{ID: a}, {ID: b}, {ID: c}}
	connected := map[peer.ID]bool{b: true}
	latency := map[peer.ID]time.Duration{
		a: 50 * time.Millisecond,
		c: 10 * time.Millisecond,
	}

	ranked := rankProviders(candidates, connected, func(p peer.ID) time.Duration { return latency[p] })

	if ranked[0].ID != b {
		t.Fatalf("expected connected peer b first, got %s", ranked[0].ID)
	}
	if ranked[1].ID != c || ranked[2].ID != a {
		t.Fatalf("expected unconnected peers ordered by latency (c then a), got %v", ranked)
	}
}

func TestPendingFetchNextProviderDrainsQueue(t *testing.T) {
	a, b := mustID(t), mustID(t)
	pf := &PendingFetch{Providers: []peer.AddrInfo{{ID: a}, {ID: b}}}

	first, ok := pf.nextProvider()
	if !ok || first.ID != a {
		t.Fatalf("expected a first, got %v ok=%v", first, ok)
	}
	second, ok := pf.nextProvider()
	if !ok || second.ID != b {
		t.Fatalf("expected b second, got %v ok=%v", second, ok)
	}
	if _, ok := pf.nextProvider(); ok {
		t.Fatal("expected queue to be exhausted")
	}
}

func TestFetchStateStringCoversAllStates(t *testing.T) {
	for s := LookingUpProviders; s <= Failed; s++ {
		if s.String() == "unknown" {
			t.Fatalf("state %d has no String() mapping", s)
		}
	}
}
