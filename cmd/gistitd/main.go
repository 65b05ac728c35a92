// Command gistitd runs the overlay node: it loads configuration and this
// node's identity, binds the local IPC bridge, joins the DHT overlay, and
// drives the event loop until a Shutdown instruction or a signal arrives.
// It replaces the teacher's gRPC submission-server entry point with a
// load-config -> [detach] -> load-identity -> bind-ipc -> build-overlay ->
// dial-seeds -> run-loop sequencing. With --detach the process re-execs
// itself right after config load, before any identity load or socket bind,
// and exits 0; a later startup failure in the detached child is logged
// there and is not reported to the invoking process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/config"
	"github.com/powerloom/gistitd/pkgs/helpers"
	"github.com/powerloom/gistitd/pkgs/ipc"
	"github.com/powerloom/gistitd/pkgs/node"
	"github.com/powerloom/gistitd/pkgs/overlay"
)

func main() {
	settings, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "gistitd: ", err)
		os.Exit(2)
	}

	helpers.InitLogger(settings.LogLevel, settings.LogFile)

	if settings.Detach {
		if err := detach(settings.LogFile); err != nil {
			log.Fatalf("gistitd: failed to detach: %v", err)
		}
		return
	}

	if err := run(settings); err != nil && err != context.Canceled {
		log.Fatalf("gistitd: %v", err)
	}
}

func run(settings *config.Settings) error {
	priv, id, err := config.LoadOrCreateIdentity(settings.KeyFile)
	if err != nil {
		return err
	}
	log.WithField("peer", id).Info("gistitd: node identity ready")

	bridge, err := ipc.Bind(settings.RuntimeDir, ipc.RoleNode)
	if err != nil {
		// Every Bind failure comes back wrapped in a gistiterr.Error; a
		// socket already bound by a live process is a Config-kind error.
		// main logs any of them fatal.
		return err
	}
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	overlaySettings := overlay.Settings{
		ListenHost:           settings.ListenHost,
		ListenPort:           settings.ListenPort,
		ConnManagerLowWater:  settings.ConnManagerLowWater,
		ConnManagerHighWater: settings.ConnManagerHighWater,
		EnableRelayService:   settings.EnableRelayService,
		PingIdleTimeout:      settings.PingIdleTimeout,
	}
	for _, s := range settings.BootstrapPeers {
		ma, err := node.ParseMultiaddr(s)
		if err != nil {
			log.WithError(err).WithField("addr", s).Warn("gistitd: ignoring bad bootstrap multiaddr")
			continue
		}
		overlaySettings.BootstrapPeers = append(overlaySettings.BootstrapPeers, ma)
	}
	if settings.Bootstrap {
		log.Info("gistitd: seeding dht routing table from the default bootstrap peer set")
		overlaySettings.BootstrapPeers = append(overlaySettings.BootstrapPeers, dht.DefaultBootstrapPeers...)
	}

	reporting := helpers.InitializeReportingService(settings.ReportingURL, 5*time.Second)

	n := node.New(bridge)
	n.SetReporting(reporting)

	host, err := overlay.New(ctx, priv, overlaySettings, n.Lookup)
	if err != nil {
		return err
	}
	defer host.Close()
	n.SetHost(host)

	log.WithField("addrs", host.Addrs()).Info("gistitd: listening")

	for _, s := range settings.Dial {
		ma, err := node.ParseMultiaddr(s)
		if err != nil {
			log.WithError(err).WithField("addr", s).Warn("gistitd: ignoring bad --dial multiaddr")
			continue
		}
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := host.Dial(dialCtx, ma); err != nil {
			log.WithError(err).WithField("addr", s).Warn("gistitd: seed dial failed")
			go reporting.SendFailureNotification("", "seed_dial_failed", err.Error())
		}
		dialCancel()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigs
		log.Infof("gistitd: received signal %s, shutting down", sig)
		cancel()
	}()

	return n.Run(ctx)
}

// detach re-execs this process with --detach stripped and a new session so
// the daemon survives the caller's terminal closing, per SPEC_FULL.md's
// "detach from the controlling terminal" lifecycle step. No
// process-daemonization library exists anywhere in the retrieved corpus, so
// this is the one place the codebase reaches directly for
// syscall.SysProcAttr instead of a pack dependency.
func detach(logFile string) error {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "--detach" {
			args = append(args, a)
		}
	}

	var stdout *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		stdout = f
	} else {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		stdout = f
	}
	defer stdout.Close()

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("gistitd: detached, pid %d\n", cmd.Process.Pid)
	return nil
}
