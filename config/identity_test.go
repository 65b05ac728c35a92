package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node-key.json")

	priv1, id1, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if priv1 == nil || id1 == "" {
		t.Fatal("expected a generated identity")
	}

	priv2, id2, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected reloaded peer id to match generated one: %s vs %s", id1, id2)
	}
	if !priv1.Equals(priv2) {
		t.Fatal("expected reloaded private key to match generated one")
	}
}

func TestLoadOrCreateIdentityRejectsTamperedPeerID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node-key.json")

	if _, _, err := LoadOrCreateIdentity(path); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Corrupt the stored peer ID so it no longer matches the private key,
	// leaving the private key itself intact.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var nk nodeKeyFile
	if err := json.Unmarshal(raw, &nk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	nk.Identity.PeerID = "QmNotTheRealPeerID"
	out, err := json.Marshal(&nk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if _, _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatal("expected a tampered identity file to be rejected")
	}
}
