// Package config loads this node's static configuration (CLI flags,
// optional TOML file, persisted libp2p identity) and generalizes the
// teacher's single-purpose JSON settings loader (previously Settings{
// RelayerUrl, RelayerId, CollectorId} decoded from a fixed settings.json
// path) into the layered flag/file config and Ed25519 identity management
// the original daemon's args.rs/config.rs describe.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
)

// SettingsObj keeps the teacher's package-level pointer convention so code
// that historically reached for config.SettingsObj.Field still works;
// Load is the only writer.
var SettingsObj *Settings

// Settings holds every tunable this node reads at startup, layered as
// flags > TOML file > built-in defaults, in that priority order.
type Settings struct {
	ListenHost string
	ListenPort uint16

	RuntimeDir string
	ConfigDir  string
	KeyFile    string

	BootstrapPeers []string
	Dial           []string
	Bootstrap      bool

	ConnManagerLowWater  int
	ConnManagerHighWater int
	EnableRelayService   bool

	// PingIdleTimeout closes a peer connection once this long has passed
	// without a successful ping; zero uses the built-in default.
	PingIdleTimeout time.Duration

	Detach bool

	LogLevel string
	LogFile  string

	// ReportingURL, when set, receives failure notifications the way the
	// teacher's ReportingService posts relayer faults; empty disables it.
	ReportingURL string
}

// fileSettings is the subset of Settings a TOML file may override,
// BurntSushi/toml decoding straight into it (the same library
// writerslogic-witnessd uses for its own static config file).
type fileSettings struct {
	ListenHost           string   `toml:"listen_host"`
	ListenPort           uint16   `toml:"listen_port"`
	BootstrapPeers       []string `toml:"bootstrap_peers"`
	ConnManagerLowWater  int      `toml:"conn_manager_low_water"`
	ConnManagerHighWater int      `toml:"conn_manager_high_water"`
	EnableRelayService   bool     `toml:"enable_relay_service"`
	PingIdleTimeoutSecs  int      `toml:"ping_idle_timeout_seconds"`
	LogLevel             string   `toml:"log_level"`
	LogFile              string   `toml:"log_file"`
	ReportingURL         string   `toml:"reporting_url"`
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Load parses args the way args.rs's clap App does: flags with defaults
// falling back to the OS temp dir for runtime-dir/config-dir, generalized
// with the listen address, dial targets, and an optional TOML config file
// layered underneath them.
func Load(args []string) (*Settings, error) {
	fs := flag.NewFlagSet("gistitd", flag.ContinueOnError)

	host := fs.String("host", "", "address to listen on (default: 0.0.0.0)")
	port := fs.Uint("port", 0, "tcp port to listen on, 0 picks a random free port")
	runtimeDir := fs.String("runtime-dir", "", "directory holding the ipc sockets (default: $XDG_RUNTIME_DIR/gistitd or the OS temp dir)")
	configDir := fs.String("config-dir", "", "directory holding persisted key material (default: $XDG_CONFIG_HOME/gistitd or the OS temp dir)")
	keyFile := fs.String("key-file", "", "path to this node's identity file (default: <config-dir>/node-key.json)")
	configFile := fs.String("config", "", "optional TOML file layering over the built-in defaults")
	bootstrap := fs.Bool("bootstrap", false, "bootstrap the dht against the default bootstrap peer set in addition to any --bootstrap-peer")
	detach := fs.Bool("detach", false, "detach from the controlling terminal after startup")
	lowWater := fs.Int("conn-low-water", 0, "connection manager low watermark, 0 uses the built-in default")
	highWater := fs.Int("conn-high-water", 0, "connection manager high watermark, 0 uses the built-in default")
	relayService := fs.Bool("relay-service", false, "act as a circuit-v2 relay for peers behind a NAT this node is not behind")
	pingIdleTimeout := fs.Duration("ping-idle-timeout", 0, "close connections idle longer than this duration, 0 uses the built-in default")
	logLevel := fs.String("log-level", "", "overrides GISTITD_LOG (error, warn, info, debug, trace)")
	logFile := fs.String("log-file", "", "also write logs to this file")
	reportingURL := fs.String("reporting-url", "", "URL to POST failure notifications to")

	var dial stringList
	fs.Var(&dial, "dial", "multiaddr to dial at startup, repeatable")
	var bootstrapPeers stringList
	fs.Var(&bootstrapPeers, "bootstrap-peer", "multiaddr to seed the dht routing table with, repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, gistiterr.New(gistiterr.Config, err)
	}

	s := &Settings{
		ListenHost:           *host,
		ListenPort:           uint16(*port),
		RuntimeDir:           *runtimeDir,
		ConfigDir:            *configDir,
		KeyFile:              *keyFile,
		BootstrapPeers:       bootstrapPeers,
		Dial:                 dial,
		Bootstrap:            *bootstrap,
		ConnManagerLowWater:  *lowWater,
		ConnManagerHighWater: *highWater,
		EnableRelayService:   *relayService,
		PingIdleTimeout:      *pingIdleTimeout,
		Detach:               *detach,
		LogLevel:             *logLevel,
		LogFile:              *logFile,
		ReportingURL:         *reportingURL,
	}

	if *configFile != "" {
		if err := applyTOMLFile(s, *configFile); err != nil {
			return nil, err
		}
	}

	applyDefaults(s)

	SettingsObj = s
	return s, nil
}

func applyTOMLFile(s *Settings, path string) error {
	var fromFile fileSettings
	if _, err := toml.DecodeFile(path, &fromFile); err != nil {
		return gistiterr.New(gistiterr.Config, err)
	}

	if s.ListenHost == "" && fromFile.ListenHost != "" {
		s.ListenHost = fromFile.ListenHost
	}
	if s.ListenPort == 0 {
		s.ListenPort = fromFile.ListenPort
	}
	s.BootstrapPeers = append(s.BootstrapPeers, fromFile.BootstrapPeers...)
	if s.ConnManagerLowWater == 0 {
		s.ConnManagerLowWater = fromFile.ConnManagerLowWater
	}
	if s.ConnManagerHighWater == 0 {
		s.ConnManagerHighWater = fromFile.ConnManagerHighWater
	}
	if !s.EnableRelayService {
		s.EnableRelayService = fromFile.EnableRelayService
	}
	if s.PingIdleTimeout == 0 && fromFile.PingIdleTimeoutSecs > 0 {
		s.PingIdleTimeout = time.Duration(fromFile.PingIdleTimeoutSecs) * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = fromFile.LogLevel
	}
	if s.LogFile == "" {
		s.LogFile = fromFile.LogFile
	}
	if s.ReportingURL == "" {
		s.ReportingURL = fromFile.ReportingURL
	}
	return nil
}

func applyDefaults(s *Settings) {
	if s.RuntimeDir == "" {
		s.RuntimeDir = defaultRuntimeDir()
	}
	if s.ConfigDir == "" {
		s.ConfigDir = defaultConfigDir()
	}
	if s.KeyFile == "" {
		s.KeyFile = filepath.Join(s.ConfigDir, "node-key.json")
	}
	if s.ListenHost == "" {
		s.ListenHost = "0.0.0.0"
	}
	if s.PingIdleTimeout == 0 {
		s.PingIdleTimeout = 5 * time.Minute
	}
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "gistitd")
	}
	return filepath.Join(os.TempDir(), "gistitd")
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "gistitd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "gistitd")
	}
	log.Warn("config: no XDG_CONFIG_HOME or home directory, falling back to the OS temp dir")
	return filepath.Join(os.TempDir(), "gistitd")
}
