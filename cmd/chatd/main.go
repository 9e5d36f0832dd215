// chatd is the chat server process. Usage: chatd <ip> <port>. Any
// number of chatd instances may run against the same MySQL database and
// NATS broker; users connected to different instances reach each other
// over the bus.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/clusterchat/chatd/internal/bus"
	"github.com/clusterchat/chatd/internal/config"
	"github.com/clusterchat/chatd/internal/dispatch"
	"github.com/clusterchat/chatd/internal/monitoring"
	"github.com/clusterchat/chatd/internal/registry"
	"github.com/clusterchat/chatd/internal/store"
	"github.com/clusterchat/chatd/internal/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <ip> <port>\n", os.Args[0])
	os.Exit(1)
}

func parseArgs() string {
	if len(os.Args) != 3 {
		usage()
	}
	ip := os.Args[1]
	if net.ParseIP(ip) == nil {
		fmt.Fprintf(os.Stderr, "invalid ip: %s\n", ip)
		usage()
	}
	port, err := strconv.Atoi(os.Args[2])
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port: %s\n", os.Args[2])
		usage()
	}
	return net.JoinHostPort(ip, os.Args[2])
}

func main() {
	addr := parseArgs()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.MySQLDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid MySQL DSN")
	}
	defer st.Close()

	// Repair state left behind by a previous crash before any client
	// can connect.
	st.ResetAllOnlineToOffline()

	// A broker outage at startup is not fatal: the node serves local
	// traffic and cross-node routing degrades to the publish-failure
	// loss window.
	var b interface {
		dispatch.Bus
		Close()
	}
	if real, err := bus.Connect(cfg.NATSURL, logger); err != nil {
		logger.Error().Err(err).Str("url", cfg.NATSURL).
			Msg("Bus unavailable, continuing without cross-node routing")
		b = bus.NewNop(logger)
	} else {
		b = real
	}
	defer b.Close()

	reg := registry.New()
	dispatcher := dispatch.New(reg, st, b, logger)
	server := transport.NewServer(addr, cfg, dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sysmon := monitoring.NewSystemMonitor(logger)
	sysmon.Start(ctx, cfg.MetricsInterval)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	server.Shutdown()
	cancel()
	sysmon.Wait()

	// Connected users are dropped at shutdown; their rows must read
	// offline on next boot.
	st.ResetAllOnlineToOffline()
}
