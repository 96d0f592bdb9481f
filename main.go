package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"sealroom/server/internal/core"
	"sealroom/server/internal/files"
	"sealroom/server/internal/httpapi"
	"sealroom/server/internal/store"
	"sealroom/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// sweepInterval paces the file-expiry sweep and idle-room reaper.
const sweepInterval = time.Minute

func main() {
	addr := flag.String("addr", ":2052", "HTTP/websocket listen address")
	filesDir := flag.String("files-dir", "", "Ephemeral file directory (defaults to a temp dir)")
	staticDir := flag.String("static-dir", "", "Static asset directory (empty disables)")
	dbPath := flag.String("db", "", "SQLite event log path (empty disables)")
	certFile := flag.String("cert", "", "TLS certificate PEM (requires -key)")
	keyFile := flag.String("key", "", "TLS private key PEM (requires -cert)")
	chaff := flag.Bool("chaff", false, "Inject random chat frames into all connections (traffic chaff)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr)

	fileRoot := strings.TrimSpace(*filesDir)
	if fileRoot == "" {
		fileRoot = filepath.Join(os.TempDir(), "sealroom-files")
	}
	fileStore, err := files.NewStore(fileRoot)
	if err != nil {
		slog.Error("initialize file store", "err", err)
		os.Exit(1)
	}

	var eventLog *store.Store
	if strings.TrimSpace(*dbPath) != "" {
		eventLog, err = store.Open(*dbPath)
		if err != nil {
			slog.Error("open event log", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := eventLog.Close(); closeErr != nil {
				slog.Error("close event log", "err", closeErr)
			}
		}()
	}

	rooms := core.NewRegistry()
	conns := core.NewConnectionTable()
	wsHandler := ws.NewHandler(rooms, conns, fileStore, eventLog)
	server := httpapi.New(rooms, conns, fileStore, wsHandler, *staticDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go runSweeper(ctx, fileStore, rooms)
	if *chaff {
		ws.RunChaff(ctx, conns)
	}

	if *certFile != "" && *keyFile != "" {
		slog.Info("listening with TLS", "addr", *addr)
	} else {
		slog.Info("listening", "addr", *addr)
	}
	if err := server.Run(ctx, *addr, *certFile, *keyFile); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runSweeper periodically drops expired files and reclaims rooms whose
// rosters have sat empty past the grace period.
func runSweeper(ctx context.Context, fileStore *files.Store, rooms *core.Registry) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fileStore.Sweep()
			rooms.ReapIdle(core.IdleRoomGrace)
		}
	}
}
