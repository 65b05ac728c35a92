package overlay

import (
	"encoding/hex"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/powerloom/gistitd/pkgs/wire"
)

// hashToCID turns a snippet's hex-encoded SHA-256 identifier into the CID
// the DHT's provider record API requires. The DHT was built for
// content-addressed blocks identified by CIDs, not raw hex strings; rather
// than inventing a second identifier scheme this node just wraps its
// existing hash in a raw-codec, sha2-256 CID, so the 64-char hash string
// remains the one identifier users and the IPC protocol ever see.
func hashToCID(hash string) (cid.Cid, error) {
	if len(hash) != wire.HashLength {
		return cid.Undef, wire.ErrInvalidHash
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return cid.Undef, wire.ErrInvalidHash
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
