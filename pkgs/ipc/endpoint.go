// Package ipc implements the datagram bridge between the node and its
// local CLI front-end: two Unix datagram sockets, node.sock (CLI -> node)
// and client.sock (node -> CLI), each carrying one length-prefixed wire
// Instruction per datagram. Split into two one-way sockets rather than one
// bidirectional channel, same as the original gistit-ipc Bridge<Server>/
// Bridge<Client> split, so a solicited response and an unsolicited push
// can never be confused with each other.
package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
	"github.com/powerloom/gistitd/pkgs/wire"
)

// Role picks which end of the bridge a process binds.
type Role int

const (
	// RoleNode binds node.sock for reading and dials client.sock for
	// writing; it is the role the daemon itself takes.
	RoleNode Role = iota
	// RoleClient binds client.sock for reading and dials node.sock for
	// writing; it is the role the CLI front-end takes.
	RoleClient
)

const (
	nodeSocketName   = "node.sock"
	clientSocketName = "client.sock"

	// MaxFrameSize is the 64 KiB IPC frame ceiling mandated by §4.A/§6.
	MaxFrameSize = 64 * 1024

	connectTimeout = 3 * time.Second
)

// Endpoint is one bound end of the node.sock/client.sock bridge.
type Endpoint struct {
	role Role
	dir  string

	recvConn *net.UnixConn // bound, read from
	recvPath string

	sendConn *net.UnixConn // dialed lazily, written to
	sendPath string
}

// Bind binds the socket this role reads from beneath dir, creating dir if
// necessary. It does not dial the peer socket yet — that happens lazily on
// first Send, matching the original bridge's connect_blocking split between
// bind time and first-send time.
func Bind(dir string, role Role) (*Endpoint, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, gistiterr.New(gistiterr.IPC, err)
	}

	e := &Endpoint{role: role, dir: dir}
	switch role {
	case RoleNode:
		e.recvPath = filepath.Join(dir, nodeSocketName)
		e.sendPath = filepath.Join(dir, clientSocketName)
	case RoleClient:
		e.recvPath = filepath.Join(dir, clientSocketName)
		e.sendPath = filepath.Join(dir, nodeSocketName)
	}

	conn, err := bindWithStaleRecovery(e.recvPath)
	if err != nil {
		return nil, err
	}
	e.recvConn = conn
	return e, nil
}

// bindWithStaleRecovery implements §9's unlink-and-retry-once contract: if
// the path is already bound and nothing answers an Alive-style probe, the
// stale socket file is removed and the bind retried exactly once.
func bindWithStaleRecovery(path string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err == nil {
		return conn, nil
	}
	if !isAddrInUse(err) {
		return nil, gistiterr.New(gistiterr.IPC, err)
	}

	if probeAlive(path) {
		return nil, gistiterr.Newf(gistiterr.Config, "ipc: %s already bound by a live process", path)
	}

	log.WithField("path", path).Warn("removing stale ipc socket")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, gistiterr.New(gistiterr.IPC, err)
	}

	conn, err = net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, gistiterr.New(gistiterr.Config, err)
	}
	return conn, nil
}

// isAddrInUse reports whether err, through net.OpError's wrapped syscall
// error, is EADDRINUSE.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func probeAlive(path string) bool {
	conn, err := net.DialTimeout("unixgram", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (e *Endpoint) dialSendSide() error {
	if e.sendConn != nil {
		return nil
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: e.sendPath, Net: "unixgram"})
	if err != nil {
		return gistiterr.New(gistiterr.IPC, err)
	}
	e.sendConn = conn
	return nil
}

// Send serializes and transmits one Instruction frame.
func (e *Endpoint) Send(ctx context.Context, i *wire.Instruction) error {
	buf, err := wire.Encode(i)
	if err != nil {
		return gistiterr.New(gistiterr.Validation, err)
	}
	if len(buf) > MaxFrameSize {
		return gistiterr.Newf(gistiterr.IPC, "ipc: frame of %d bytes exceeds %d byte ceiling", len(buf), MaxFrameSize)
	}

	if err := e.dialSendSide(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = e.sendConn.SetWriteDeadline(deadline)
	} else {
		_ = e.sendConn.SetWriteDeadline(time.Time{})
	}

	n, err := e.sendConn.Write(buf)
	if err != nil {
		return gistiterr.New(gistiterr.IPC, err)
	}
	if n != len(buf) {
		return gistiterr.Newf(gistiterr.IPC, "ipc: short write, wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Recv blocks until a frame arrives, the context is done, or the socket is
// closed. A frame that fails to decode is reported as a Validation-kind
// error; the caller drops it and continues, per §5's "partial inbound frames
// are discarded" rule.
func (e *Endpoint) Recv(ctx context.Context) (*wire.Instruction, error) {
	buf := make([]byte, MaxFrameSize)

	deadline, ok := ctx.Deadline()
	if ok {
		_ = e.recvConn.SetReadDeadline(deadline)
	} else {
		_ = e.recvConn.SetReadDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = e.recvConn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	n, _, err := e.recvConn.ReadFromUnix(buf)
	close(done)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gistiterr.New(gistiterr.IPC, err)
	}

	instr, err := wire.Decode(buf[:n])
	if err != nil {
		return nil, gistiterr.New(gistiterr.Validation, err)
	}
	return instr, nil
}

// Alive probes, without side effects beyond a transient connect, whether
// the peer socket currently has a listener.
func (e *Endpoint) Alive() bool {
	return probeAlive(e.sendPath)
}

// Close releases both the bound and dialed sockets and, when this endpoint
// owns the bound path (the common case — each role binds exactly one
// socket), removes the socket file so a later Alive probe returns false.
func (e *Endpoint) Close() error {
	var err error
	if e.sendConn != nil {
		if cerr := e.sendConn.Close(); cerr != nil {
			err = cerr
		}
	}
	if e.recvConn != nil {
		if cerr := e.recvConn.Close(); cerr != nil {
			err = cerr
		}
	}
	if rerr := os.Remove(e.recvPath); rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}

// RuntimeDir resolves the directory node.sock/client.sock live beneath:
// $GISTITD_RUNTIME_DIR when set, else $XDG_RUNTIME_DIR/gistitd, falling back
// to the OS temp dir when neither is set, same fallback the original
// project::path::runtime() used.
func RuntimeDir() string {
	if dir := os.Getenv("GISTITD_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "gistitd")
	}
	return filepath.Join(os.TempDir(), "gistitd")
}
