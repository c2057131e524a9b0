// Command talkmesh is the CLI launcher: an external collaborator per
// spec.md §1, built here because a runnable main is needed to exercise
// the core against real sockets. Flag-var declaration style, signal
// handling via os/signal+syscall, and context cancellation on shutdown
// are grounded on juanpablocruz-maep/cmd/sim/main.go and
// juanpablocruz-maep/cmd/watcher/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flintpeak/talkmesh/internal/talkserver"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// repeatedFlag collects every occurrence of a repeatable flag, the same
// shape cmd/sim/main.go would use for a multi-value CLI option.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listenAddr string
		peerListen string
		peers      repeatedFlag
		idHex      string
		verbose    bool
	)
	flag.StringVar(&listenAddr, "listen", "", "client listen address (host:port)")
	flag.StringVar(&peerListen, "peer-listen", "", "peer listen address (host:port)")
	flag.Var(&peers, "peer", "peer address to dial on startup (repeatable)")
	flag.StringVar(&idHex, "id", "", "fixed ServerId (hex); random if unset")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if listenAddr == "" {
		fmt.Fprintln(os.Stderr, "talkmesh: --listen is required")
		return 2
	}

	localID, err := resolveID(idHex, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "talkmesh:", err)
		return 1
	}

	s := talkserver.New(localID, talkserver.WithLogger(logger))

	if err := s.ListenClients(listenAddr); err != nil {
		logger.Error("bind client listener", "addr", listenAddr, "err", err)
		return 2
	}
	if peerListen != "" {
		if err := s.ListenPeers(peerListen); err != nil {
			logger.Error("bind peer listener", "addr", peerListen, "err", err)
			return 2
		}
	}
	for _, addr := range peers {
		if err := s.ConnectPeer(addr); err != nil {
			logger.Warn("initial peer dial failed", "addr", addr, "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	s.Run(ctx)
	return 0
}

func resolveID(idHex string, logger *slog.Logger) (serverid.ID, error) {
	if idHex == "" {
		return serverid.New(), nil
	}
	logger.Warn("explicit --id passed; reusing a ServerId across restarts risks SeenSet false positives if the counter also resets", "id", idHex)
	id, err := serverid.Parse(idHex)
	if err != nil {
		return serverid.Zero, fmt.Errorf("parse --id: %w", err)
	}
	return id, nil
}
