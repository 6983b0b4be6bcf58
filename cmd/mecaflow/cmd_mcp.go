package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/felixgeelhaar/mecaflow/internal/mcp"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

func newMCPCmd() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			server := mcpserver.NewServer(mcpserver.Config{
				Engine:  validation.NewEngine(logger),
				Version: Version,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if httpAddr != "" {
				fmt.Fprintf(os.Stderr, "MCP server listening on %s\n", httpAddr)
				return server.ServeHTTP(ctx, httpAddr)
			}
			return server.ServeStdio(ctx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve over HTTP on this address instead of stdio")
	return cmd
}
