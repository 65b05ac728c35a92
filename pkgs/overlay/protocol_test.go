package overlay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/powerloom/gistitd/pkgs/wire"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello gistit")

	if err := writeLengthPrefixed(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readLengthPrefixed(&buf, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestReadLengthPrefixedRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, bytes.Repeat([]byte{'x'}, 100)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := readLengthPrefixed(&buf, 10); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestReadLengthPrefixedRejectsEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := readLengthPrefixed(&buf, 1024); err == nil {
		t.Fatal("expected empty frame to be rejected")
	}
}

func TestHashToCIDDeterministic(t *testing.T) {
	hash := strings.Repeat("a", wire.HashLength)
	c1, err := hashToCID(hash)
	if err != nil {
		t.Fatalf("hashToCID: %v", err)
	}
	c2, err := hashToCID(hash)
	if err != nil {
		t.Fatalf("hashToCID: %v", err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("hashToCID is not deterministic: %s vs %s", c1, c2)
	}
}

func TestHashToCIDRejectsBadHash(t *testing.T) {
	if _, err := hashToCID("not-a-hash"); err == nil {
		t.Fatal("expected an invalid hash to be rejected")
	}
}
