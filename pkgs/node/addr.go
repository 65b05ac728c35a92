package node

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func parseMultiaddr(s string) (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(s)
}

// addrInfoToMultiaddr rebuilds a full /p2p/<id> multiaddr from an
// AddrInfo's first known address, the shape overlay.Host.Dial expects.
func addrInfoToMultiaddr(pi peer.AddrInfo) multiaddr.Multiaddr {
	if len(pi.Addrs) == 0 {
		p2p, _ := multiaddr.NewComponent("p2p", pi.ID.String())
		return p2p
	}
	p2p, _ := multiaddr.NewComponent("p2p", pi.ID.String())
	return pi.Addrs[0].Encapsulate(p2p)
}
