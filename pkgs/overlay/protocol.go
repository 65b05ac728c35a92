package overlay

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
	"github.com/powerloom/gistitd/pkgs/wire"
)

// BytesProtocolID names the single custom request/response protocol this
// node speaks over libp2p streams: a fetch request carries a 64-char hash,
// the response carries either a serialized Snippet or the single byte 0x00
// meaning "not hosted here". This generalizes the original ExchangeCodec,
// which shuttled opaque byte blobs, to the one shape this node actually
// exchanges.
const BytesProtocolID = "/gistit/bytes/1.0.0"

// maxBytesFrame bounds both directions of the bytes protocol, same ceiling
// the original ExchangeCodec enforced (there: 50_000 bytes flat; here it
// tracks the wire package's own file size ceiling plus framing slack).
const maxBytesFrame = wire.MaxFileSize + 4096

var notFoundFrame = []byte{0x00}

// writeLengthPrefixed mirrors the original behaviour.rs's
// write_length_prefixed: a big-endian uint32 length followed by the
// payload, then nothing else (the original's io.close() is the stream
// reset/close the caller performs after this returns).
func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readLengthPrefixed mirrors read_length_prefixed: read the 4-byte length,
// reject it against a ceiling, then read exactly that many bytes. An empty
// frame is an error, same as the original's read_request/read_response.
func readLengthPrefixed(r io.Reader, max uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if n > max {
		return nil, gistiterr.Newf(gistiterr.Network, "bytes protocol: frame of %d bytes exceeds %d byte ceiling", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SnippetLookup answers a bytes-protocol fetch request from the node's
// hosted set. It is supplied by the event loop so the overlay package
// never needs its own view of hosted content.
type SnippetLookup func(hash string) (*wire.Snippet, bool)

// registerBytesProtocol wires the stream handler directly on the host, the
// same pattern the teacher's relay/discovery code uses for protocol
// handlers, generalized from "respond to pings" to "respond to fetches".
func registerBytesProtocol(h *Host, lookup SnippetLookup) {
	h.host.SetStreamHandler(BytesProtocolID, func(s network.Stream) {
		defer s.Close()

		rw := bufio.NewReadWriter(bufio.NewReader(s), bufio.NewWriter(s))
		req, err := readLengthPrefixed(rw, wire.HashLength+8)
		if err != nil {
			log.WithError(err).WithField("peer", s.Conn().RemotePeer()).Warn("bytes protocol: bad request frame")
			s.Reset()
			return
		}

		hash := string(req)
		snippet, ok := lookup(hash)
		if !ok {
			_ = writeLengthPrefixed(rw, notFoundFrame)
			_ = rw.Flush()
			return
		}

		resp := wire.MarshalSnippet(snippet)
		if err := writeLengthPrefixed(rw, resp); err != nil {
			log.WithError(err).Warn("bytes protocol: failed writing response")
			return
		}
		_ = rw.Flush()
	})
}

// RequestSnippet opens a new stream to peer and runs one fetch/response
// exchange. It returns (nil, nil) when the peer answered "not hosted", and
// a Network-kind error for any I/O or framing failure.
func RequestSnippet(ctx context.Context, h *Host, p peer.ID, hash string) (*wire.Snippet, error) {
	s, err := h.host.NewStream(ctx, p, BytesProtocolID)
	if err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	rw := bufio.NewReadWriter(bufio.NewReader(s), bufio.NewWriter(s))
	if err := writeLengthPrefixed(rw, []byte(hash)); err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}
	if err := rw.Flush(); err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}
	_ = s.CloseWrite()

	respBytes, err := readLengthPrefixed(rw, uint32(maxBytesFrame))
	if err != nil {
		return nil, gistiterr.New(gistiterr.Network, err)
	}
	if len(respBytes) == 1 && respBytes[0] == 0x00 {
		return nil, nil
	}

	snippet, err := wire.UnmarshalSnippet(respBytes)
	if err != nil {
		return nil, gistiterr.New(gistiterr.Validation, err)
	}
	return snippet, nil
}
