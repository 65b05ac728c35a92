package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ComputeHash derives a snippet's identifier from its content. The domain is
// frozen as SHA-256 over, in order: each inner file's name, lang, big-endian
// size, and data, followed by author and description. This generalizes the
// original single-file `hash::compute(data, author, description)` to an
// ordered sequence of files without changing the author/description tail.
func ComputeHash(author, description string, inner []InnerFile) string {
	h := sha256.New()
	for _, f := range inner {
		h.Write([]byte(f.Name))
		h.Write([]byte(f.Lang))
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], f.Size)
		h.Write(sizeBuf[:])
		h.Write([]byte(f.Data))
	}
	h.Write([]byte(author))
	h.Write([]byte(description))
	return fmt.Sprintf("%x", h.Sum(nil))
}
