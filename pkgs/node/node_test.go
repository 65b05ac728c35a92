package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/powerloom/gistitd/pkgs/ipc"
	"github.com/powerloom/gistitd/pkgs/overlay"
	"github.com/powerloom/gistitd/pkgs/wire"
)

// newTestNode binds a throwaway IPC bridge and a loopback overlay host and
// wires them into a Node the way cmd/gistitd does, so these tests drive the
// real event loop over the real IPC transport rather than calling handlers
// directly.
func newTestNode(t *testing.T, port uint16) (*Node, *ipc.Endpoint, *overlay.Host) {
	t.Helper()

	dir := t.TempDir()
	nodeEnd, err := ipc.Bind(dir, ipc.RoleNode)
	if err != nil {
		t.Fatalf("bind node endpoint: %v", err)
	}
	clientEnd, err := ipc.Bind(dir, ipc.RoleClient)
	if err != nil {
		t.Fatalf("bind client endpoint: %v", err)
	}
	t.Cleanup(func() {
		clientEnd.Close()
		nodeEnd.Close()
	})

	n := New(nodeEnd)

	host, err := overlay.New(context.Background(), nil, overlay.Settings{
		ListenHost: "127.0.0.1",
		ListenPort: port,
	}, n.Lookup)
	if err != nil {
		t.Fatalf("overlay.New: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	n.SetHost(host)

	return n, clientEnd, host
}

func newValidSnippet(hash byte) *wire.Snippet {
	return &wire.Snippet{
		Hash:   strings.Repeat(string(hash), wire.HashLength),
		Author: "bob",
		Inner: []wire.InnerFile{
			{Name: "a.txt", Lang: "text", Size: 21, Data: "helloworldhelloworldx"},
		},
	}
}

func recvOrFatal(t *testing.T, ctx context.Context, c *ipc.Endpoint) *wire.Instruction {
	t.Helper()
	instr, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return instr
}

// TestScenario1LocalProvideThenFetch covers end-to-end scenario 1: a Provide
// followed by a Fetch for the same hash returns the snippet byte-for-byte.
func TestScenario1LocalProvideThenFetch(t *testing.T) {
	n, client, _ := newTestNode(t, 23410)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	ioCtx, ioCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ioCancel()

	snippet := newValidSnippet('a')
	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindProvide, Provide: snippet}); err != nil {
		t.Fatalf("send provide: %v", err)
	}
	provResp := recvOrFatal(t, ioCtx, client)
	if provResp.ProvideResponse == nil || !provResp.ProvideResponse.Ok || provResp.ProvideResponse.Hash != snippet.Hash {
		t.Fatalf("unexpected provide response: %+v", provResp.ProvideResponse)
	}

	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindFetch, Fetch: snippet.Hash}); err != nil {
		t.Fatalf("send fetch: %v", err)
	}
	fetchResp := recvOrFatal(t, ioCtx, client)
	if fetchResp.FetchResponse == nil || !fetchResp.FetchResponse.Ok {
		t.Fatalf("unexpected fetch response: %+v", fetchResp.FetchResponse)
	}
	got := fetchResp.FetchResponse.Snippet
	if got.Hash != snippet.Hash || got.Author != snippet.Author || len(got.Inner) != 1 || got.Inner[0].Data != snippet.Inner[0].Data {
		t.Fatalf("fetched snippet does not match provided snippet: %+v", got)
	}
}

// TestScenario2UnknownFetchNoPeers covers end-to-end scenario 2: fetching an
// unhosted hash on a fresh, peerless node resolves to FetchResponse(none).
func TestScenario2UnknownFetchNoPeers(t *testing.T) {
	n, client, _ := newTestNode(t, 23411)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	ioCtx, ioCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer ioCancel()

	hash := strings.Repeat("b", wire.HashLength)
	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindFetch, Fetch: hash}); err != nil {
		t.Fatalf("send fetch: %v", err)
	}
	fetchResp := recvOrFatal(t, ioCtx, client)
	if fetchResp.FetchResponse == nil || fetchResp.FetchResponse.Ok {
		t.Fatalf("expected FetchResponse(none), got: %+v", fetchResp.FetchResponse)
	}
}

// TestScenario4ValidationRejection covers end-to-end scenario 4: a Provide
// whose inner file is too small is rejected, and a subsequent local Fetch
// for that hash still misses.
func TestScenario4ValidationRejection(t *testing.T) {
	n, client, _ := newTestNode(t, 23412)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	ioCtx, ioCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer ioCancel()

	hash := strings.Repeat("c", wire.HashLength)
	bad := &wire.Snippet{
		Hash:   hash,
		Author: "bob",
		Inner:  []wire.InnerFile{{Name: "a.txt", Lang: "text", Size: 10, Data: "short"}},
	}
	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindProvide, Provide: bad}); err != nil {
		t.Fatalf("send provide: %v", err)
	}
	provResp := recvOrFatal(t, ioCtx, client)
	if provResp.ProvideResponse == nil || provResp.ProvideResponse.Ok {
		t.Fatalf("expected ProvideResponse(none), got: %+v", provResp.ProvideResponse)
	}

	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindFetch, Fetch: hash}); err != nil {
		t.Fatalf("send fetch: %v", err)
	}
	fetchResp := recvOrFatal(t, ioCtx, client)
	if fetchResp.FetchResponse == nil || fetchResp.FetchResponse.Ok {
		t.Fatalf("expected FetchResponse(none) after rejected provide, got: %+v", fetchResp.FetchResponse)
	}
}

// TestScenario5StatusAfterProvide covers end-to-end scenario 5: Status
// reports hosting=0 on a fresh node and hosting=3 after three Provides.
func TestScenario5StatusAfterProvide(t *testing.T) {
	n, client, host := newTestNode(t, 23413)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	ioCtx, ioCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ioCancel()

	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindStatus}); err != nil {
		t.Fatalf("send status: %v", err)
	}
	statusResp := recvOrFatal(t, ioCtx, client)
	if statusResp.StatusResponse == nil || statusResp.StatusResponse.Hosting != 0 {
		t.Fatalf("expected hosting=0 on a fresh node, got: %+v", statusResp.StatusResponse)
	}
	if statusResp.StatusResponse.PeerID != host.ID().String() {
		t.Fatalf("expected peer id %s, got %s", host.ID(), statusResp.StatusResponse.PeerID)
	}

	for _, h := range []byte{'d', 'e', 'f'} {
		snippet := newValidSnippet(h)
		if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindProvide, Provide: snippet}); err != nil {
			t.Fatalf("send provide: %v", err)
		}
		if resp := recvOrFatal(t, ioCtx, client); resp.ProvideResponse == nil || !resp.ProvideResponse.Ok {
			t.Fatalf("provide failed: %+v", resp.ProvideResponse)
		}
	}

	if err := client.Send(ioCtx, &wire.Instruction{Kind: wire.KindStatus}); err != nil {
		t.Fatalf("send status: %v", err)
	}
	statusResp = recvOrFatal(t, ioCtx, client)
	if statusResp.StatusResponse == nil || statusResp.StatusResponse.Hosting != 3 {
		t.Fatalf("expected hosting=3 after three provides, got: %+v", statusResp.StatusResponse)
	}
	if statusResp.StatusResponse.PendingConnections != 0 {
		t.Fatalf("expected pending_connections=0, got: %+v", statusResp.StatusResponse)
	}
}

// TestScenario3TwoNodeOverlayFetch covers end-to-end scenario 3: node B
// dials node A, A provides a hash, and B's Fetch for that hash resolves to
// the snippet over the wire.
func TestScenario3TwoNodeOverlayFetch(t *testing.T) {
	nodeA, clientA, hostA := newTestNode(t, 23420)
	nodeB, clientB, _ := newTestNode(t, 23430)

	ctx, cancel := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- nodeA.Run(ctx) }()
	go func() { doneB <- nodeB.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-doneA
		<-doneB
	})

	ioCtx, ioCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer ioCancel()

	var dialAddr string
	for _, a := range hostA.Addrs() {
		dialAddr = a.String() + "/p2p/" + hostA.ID().String()
		break
	}
	if dialAddr == "" {
		t.Fatal("node A advertised no listen addresses")
	}

	if err := clientB.Send(ioCtx, &wire.Instruction{Kind: wire.KindDial, Dial: dialAddr}); err != nil {
		t.Fatalf("send dial: %v", err)
	}

	snippet := newValidSnippet('c')
	if err := clientA.Send(ioCtx, &wire.Instruction{Kind: wire.KindProvide, Provide: snippet}); err != nil {
		t.Fatalf("send provide: %v", err)
	}
	provResp := recvOrFatal(t, ioCtx, clientA)
	if provResp.ProvideResponse == nil || !provResp.ProvideResponse.Ok {
		t.Fatalf("provide on node A failed: %+v", provResp.ProvideResponse)
	}

	if err := clientB.Send(ioCtx, &wire.Instruction{Kind: wire.KindFetch, Fetch: snippet.Hash}); err != nil {
		t.Fatalf("send fetch: %v", err)
	}
	fetchResp := recvOrFatal(t, ioCtx, clientB)
	if fetchResp.FetchResponse == nil || !fetchResp.FetchResponse.Ok {
		t.Fatalf("fetch on node B failed: %+v", fetchResp.FetchResponse)
	}
	if fetchResp.FetchResponse.Snippet.Hash != snippet.Hash || fetchResp.FetchResponse.Snippet.Inner[0].Data != snippet.Inner[0].Data {
		t.Fatalf("node B fetched wrong content: %+v", fetchResp.FetchResponse.Snippet)
	}
}
