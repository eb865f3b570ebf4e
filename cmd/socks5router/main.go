// Package main provides the CLI entry point for the SOCKS5 packet router.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"socks5router/internal/config"
	"socks5router/internal/gateway"
	"socks5router/internal/rlog"
	"socks5router/internal/stats"
)

func main() {
	rootCmd := runCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		tunFD      int
		tunPath    string
		socksAddr  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "socks5router",
		Short: "Userspace packet router that relays TUN traffic through a SOCKS5 proxy",
		Long: `socks5router reads raw IPv4 datagrams from a TUN-style file descriptor,
reconstructs TCP and UDP flows, and relays their payloads through an
upstream SOCKS5 proxy. Responses are re-encapsulated as IPv4 packets and
written back to the TUN descriptor.

Provisioning the TUN descriptor and the SOCKS5 endpoint itself are out of
scope: this binary only ever consumes them as a byte stream and a loopback
address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if socksAddr != "" {
				host, port, err := splitHostPort(socksAddr)
				if err != nil {
					return fmt.Errorf("invalid --socks address: %w", err)
				}
				cfg.Socks.Host = host
				cfg.Socks.Port = port
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			log := rlog.New(cfg.Log)

			tun, err := openTun(tunFD, tunPath)
			if err != nil {
				return fmt.Errorf("open TUN stream: %w", err)
			}
			defer tun.Close()

			gw := gateway.NewGateway(tun, log, cfg, &gateway.DefaultResolver{})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			gw.Start(ctx)

			exporter := stats.NewExporter(gw, log)
			go exporter.ListenAndServe(ctx, cfg.Stats.ListenAddr)
			go exporter.LogPeriodically(ctx, 30*time.Second)

			log.Infof("Main", "router started (socks=%s)", cfg.Socks.Endpoint())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Infof("Main", "shutting down")
			cancel()
			gw.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().IntVar(&tunFD, "tun-fd", -1, "inherited file descriptor number for the TUN device")
	cmd.Flags().StringVar(&tunPath, "tun-path", "", "path to open as the TUN device (ignored if --tun-fd is set)")
	cmd.Flags().StringVar(&socksAddr, "socks", "", "upstream SOCKS5 address host:port, overrides config")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: verbose, debug, info, warn, error, off")

	return cmd
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := splitLast(addr, ':')
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func splitLast(s string, sep byte) (string, string, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%q has no %q separator", s, string(sep))
}

// openTun opens the external TUN collaborator as a plain *os.File: either
// an inherited descriptor number (the usual way a privileged helper hands a
// TUN device to an unprivileged process) or a path to open directly.
// Provisioning the device itself remains out of scope.
func openTun(fd int, path string) (*os.File, error) {
	if fd >= 0 {
		return os.NewFile(uintptr(fd), "tun"), nil
	}
	if path != "" {
		return os.OpenFile(path, os.O_RDWR, 0)
	}
	return nil, fmt.Errorf("one of --tun-fd or --tun-path is required")
}
