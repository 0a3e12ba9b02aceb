package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/minibit/minibit/internal/config"
	"github.com/minibit/minibit/internal/peernode"
	"github.com/minibit/minibit/internal/tracker"
	"github.com/minibit/minibit/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	setupLogger()

	if err := rootCmd().Execute(); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "minibit",
		Short: "A minimal peer-to-peer file distribution node",
		Long:  "minibit runs either a swarm tracker or a file-sharing peer.",
	}

	root.AddCommand(trackerCmd())
	root.AddCommand(peerCmd())

	return root
}

func trackerCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Run a tracker that records swarm membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := fmt.Sprintf("%s:%d", host, port)

			reg := tracker.NewRegistry(slog.Default())
			srv := tracker.NewServer(reg, slog.Default())

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			slog.Info("starting tracker", "addr", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to bind the tracker to")
	cmd.Flags().IntVar(&port, "port", 8000, "port to bind the tracker to")

	return cmd
}

func peerCmd() *cobra.Command {
	var trackerAddr string
	var filePath string
	var fileName string
	var listenHost string
	var listenPort int

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a swarm as a seeder or a leecher",
		Long: "Pass --file-path to seed a file you already hold in full, or " +
			"--file-name to leech a file known to the tracker but not yet held locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (filePath == "") == (fileName == "") {
				return fmt.Errorf("exactly one of --file-path or --file-name is required")
			}
			if trackerAddr == "" {
				return fmt.Errorf("--tracker-addr is required")
			}
			if _, _, err := net.SplitHostPort(trackerAddr); err != nil {
				return fmt.Errorf("--tracker-addr %q is malformed: %w", trackerAddr, err)
			}

			config.Init()
			cfg := *config.Update(func(c *config.Config) { c.TrackerAddr = trackerAddr })
			listenAddr := fmt.Sprintf("%s:%d", listenHost, listenPort)

			var node *peernode.Node
			var err error
			if filePath != "" {
				node, err = peernode.NewSeeder(cfg, trackerAddr, filePath, listenAddr, slog.Default())
			} else {
				node, err = peernode.NewLeecher(cfg, trackerAddr, fileName, listenAddr, slog.Default())
			}
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			slog.Info("starting peer", "peer_id", node.ID(), "addr", listenAddr, "tracker", trackerAddr)
			return node.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&trackerAddr, "tracker-addr", "", "tracker address, host:port (required)")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path to a file to seed in full")
	cmd.Flags().StringVar(&fileName, "file-name", "", "name of a file to leech from the swarm")
	cmd.Flags().StringVar(&listenHost, "host", "0.0.0.0", "address to accept peer connections on")
	cmd.Flags().IntVar(&listenPort, "port", 0, "port to accept peer connections on (0 picks any free port)")

	return cmd
}
