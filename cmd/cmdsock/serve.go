package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/cmdsock"
	"github.com/Zereker/cmdsock/internal/config"
)

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a peer that echoes every frame back to its sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	server, err := cmdsock.NewServer(addr,
		cmdsock.ServerLoggerOption(logger),
		cmdsock.ServerConnOption(cfg.ConnOptions()...),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	err = server.Serve(ctx, cmdsock.EchoHandler)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down server")
		return nil
	}
	return err
}
