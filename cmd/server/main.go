// Command server runs the wardex evaluation API: the shield orchestrator
// sitting between an AI agent and the isolated signer process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/wardex/internal/config"
	"github.com/mbd888/wardex/internal/logging"
	"github.com/mbd888/wardex/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting wardex",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"signer_socket", cfg.SignerSocketPath,
	)

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, policy, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
