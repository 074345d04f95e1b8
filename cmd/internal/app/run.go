package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run wires logging and signal handling around App for cmd/pairline.
// SIGINT or SIGTERM starts a graceful shutdown; the returned error carries
// ErrForcedShutdown when the grace period ran out.
func Run(cfg Config, version string) error {
	log := NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, cfg, log, version)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
