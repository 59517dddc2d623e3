package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"ircd/internal/classtrack"
	"ircd/internal/config"
	"ircd/internal/throttle"
)

// Version is the daemon's reported version, surfaced in the welcome
// burst and peer SERVER handshake.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "ircd-audit.db") {
			return
		}
	}

	name := flag.String("name", "hub.local", "server name announced to clients and peers")
	description := flag.String("description", "An IRC daemon", "server description")
	clientAddr := flag.String("client-addr", ":6667", "plaintext client listen address")
	clientTLSAddr := flag.String("client-tls-addr", ":6697", "TLS client listen address (empty to disable)")
	wsAddr := flag.String("ws-addr", ":8067", "websocket client listen address (empty to disable)")
	peerAddr := flag.String("peer-addr", ":7000", "server-to-server listen address")
	adminAddr := flag.String("admin-addr", "", "admin/introspection HTTP API listen address (empty to disable)")
	certValidity := flag.Duration("cert-validity", 30*24*time.Hour, "self-signed TLS certificate validity")
	auditDBPath := flag.String("audit-db", "ircd-audit.db", "audit/ban SQLite database path")
	maxClients := flag.Int("max-clients", 2000, "maximum total client connections")
	perIPLimit := flag.Int("per-ip-limit", 5, "maximum connections per IP address")
	perHostLimit := flag.Int("per-host-limit", 5, "maximum connections per resolved hostname")
	throttlePerIP := flag.Int("throttle-per-ip-cap", 3, "connections from one IP within the throttle window before staged delay kicks in")
	netsplitGrace := flag.Duration("netsplit-grace", 60*time.Second, "how long split users are retained before being removed")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	listeners := []config.Listener{
		{Address: *clientAddr, Kind: config.ListenerClients},
	}
	if *clientTLSAddr != "" {
		listeners = append(listeners, config.Listener{Address: *clientTLSAddr, Kind: config.ListenerClients, TLS: true})
	}
	if *wsAddr != "" {
		listeners = append(listeners, config.Listener{Address: *wsAddr, Kind: config.ListenerClients, WebSocket: true})
	}
	if *peerAddr != "" {
		listeners = append(listeners, config.Listener{Address: *peerAddr, Kind: config.ListenerPeers})
	}

	cfg := &config.Config{
		Identity: config.Identity{Name: *name, Description: *description, Version: Version},
		Listeners: listeners,
		ConnectionClasses: map[string]classtrack.Limits{
			"default": {MaxClients: *maxClients, MaxPerIP: *perIPLimit, MaxPerHost: *perHostLimit},
		},
		Throttle: throttle.Config{
			Enabled: true, PerIPCap: *throttlePerIP, Window: 10 * time.Second,
			InitialDelay: 2 * time.Second, MaxStages: 5, StageFactor: 2, CleanupInterval: time.Minute,
		},
		Netsplit: config.NetsplitConfig{
			AutoReconnect:           true,
			ReconnectBaseDelay:      5 * time.Second,
			ReconnectMaxDelay:       5 * time.Minute,
			GracePeriod:             *netsplitGrace,
			BurstOptimizationWindow: 5 * time.Minute,
			NotifyOperators:         true,
		},
		AdminAddr: *adminAddr,
	}

	daemon, err := NewDaemon(cfg, *auditDBPath, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer daemon.Close()

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*clientTLSAddr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Error("generate TLS certificate", "err", err)
		os.Exit(1)
	}
	log.Info("self-signed TLS certificate", "fingerprint", fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go RunMetrics(ctx, daemon.counters, log, 30*time.Second)

	log.Info("ircd starting", "name", *name, "version", Version)
	if err := daemon.Serve(ctx, tlsConfig); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
