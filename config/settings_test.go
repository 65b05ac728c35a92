package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFlagsAndDefaults(t *testing.T) {
	s, err := Load([]string{"--host", "127.0.0.1", "--port", "4001", "--dial", "/ip4/1.2.3.4/tcp/4001/p2p/Qm1", "--dial", "/ip4/1.2.3.4/tcp/4002/p2p/Qm2"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ListenHost != "127.0.0.1" || s.ListenPort != 4001 {
		t.Fatalf("unexpected listen address: %s:%d", s.ListenHost, s.ListenPort)
	}
	if len(s.Dial) != 2 {
		t.Fatalf("expected 2 dial targets, got %d", len(s.Dial))
	}
	if s.RuntimeDir == "" || s.ConfigDir == "" || s.KeyFile == "" {
		t.Fatal("expected default runtime/config/key paths to be filled in")
	}
}

func TestLoadLayersTOMLUnderFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gistitd.toml")
	toml := `
listen_host = "10.0.0.1"
listen_port = 5000
bootstrap_peers = ["/ip4/5.6.7.8/tcp/4001/p2p/Qm3"]
log_level = "debug"
`
	if err := os.WriteFile(cfgPath, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load([]string{"--config", cfgPath, "--port", "9000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.ListenHost != "10.0.0.1" {
		t.Fatalf("expected toml to fill in unset host, got %q", s.ListenHost)
	}
	if s.ListenPort != 9000 {
		t.Fatalf("expected flag port to win over toml port, got %d", s.ListenPort)
	}
	if len(s.BootstrapPeers) != 1 {
		t.Fatalf("expected bootstrap peer from toml, got %v", s.BootstrapPeers)
	}
	if s.LogLevel != "debug" {
		t.Fatalf("expected log level from toml, got %q", s.LogLevel)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load([]string{"--not-a-real-flag"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}
