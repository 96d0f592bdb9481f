// The sidecar binary answers crypto requests over stdin/stdout, one
// JSON object per line. It is spawned and supervised by the host
// process; a fatal stdin error exits non-zero so the host restarts it.
package main

import (
	"log/slog"
	"os"

	"sealroom/server/internal/sidecar"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	service, err := sidecar.NewService()
	if err != nil {
		slog.Error("initialize crypto service", "err", err)
		os.Exit(1)
	}
	slog.Info("crypto sidecar ready")

	if err := service.Run(os.Stdin, os.Stdout); err != nil {
		slog.Error("sidecar terminated", "err", err)
		os.Exit(1)
	}
}
