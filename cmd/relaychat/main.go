// Package main provides the CLI entry point for the relaychat server and
// terminal client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/relaychat/internal/client"
	"github.com/postalsys/relaychat/internal/config"
	"github.com/postalsys/relaychat/internal/daemon"
	"github.com/postalsys/relaychat/internal/loadtest"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/probe"
	"github.com/postalsys/relaychat/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaychat",
		Short: "relaychat - encrypted multi-client chat relay",
		Long: `relaychat is a chat relay in which every client negotiates its own
encrypted channel with the server. Messages are decrypted by the server
and re-encrypted for each recipient with that recipient's key.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(loadtestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard to write a configuration file and optionally generate a TLS certificate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := wizard.New().Run()
			if err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			fmt.Printf("Start the relay with: relaychat run -c %s\n", result.ConfigPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Long: `Start the relay with the specified configuration.

When the configuration file does not exist and --port is given, the relay
runs with defaults: a plaintext WebSocket listener on that port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer memguard.Purge()

			cfg, err := loadRunConfig(configPath, port)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			fmt.Printf("Starting relaychat %s...\n", Version)
			fmt.Printf("Server key: %s\n", d.Relay().PublicKey().Fingerprint())

			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			for i, addr := range d.Addrs() {
				l := cfg.Listeners[i]
				fmt.Printf("Listening: %s (%s)\n", listenerURL(l, addr), l.Transport)
			}
			if addr := d.HealthAddr(); addr != nil {
				fmt.Printf("Health: http://%s/healthz\n", addr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := d.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Relay stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the port of the first listener")

	return cmd
}

// loadRunConfig loads configPath, falling back to defaults when the file is
// missing and a port was given. A non-zero port replaces the port of the
// first listener.
func loadRunConfig(configPath string, port int) (*config.Config, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && port != 0:
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if port != 0 && len(cfg.Listeners) > 0 {
		host, _, err := net.SplitHostPort(cfg.Listeners[0].Address)
		if err != nil {
			return nil, fmt.Errorf("listener address %q: %w", cfg.Listeners[0].Address, err)
		}
		cfg.Listeners[0].Address = net.JoinHostPort(host, strconv.Itoa(port))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listenerURL is the URL clients use for a bound listener.
func listenerURL(l config.ListenerConfig, addr net.Addr) string {
	bound := l
	if addr != nil {
		bound.Address = addr.String()
	}
	return wizard.ListenerURL(bound)
}

func chatCmd() *cobra.Command {
	var insecure bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "chat <url>",
		Short: "Connect to a relay from the terminal",
		Long: `Connect to a relay and chat from the terminal.

The URL scheme selects the transport: ws://, wss:// or quic://. A bare
host:port connects over plaintext WebSocket. Lines are sent as messages;
"/nick name" and other "/command args" lines are sent as commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memguard.CatchInterrupt()
			defer memguard.Purge()

			if !logging.ValidLevel(logLevel) {
				return fmt.Errorf("invalid log level %q", logLevel)
			}

			cfg := client.DefaultConfig()
			cfg.DialOptions.InsecureSkipVerify = insecure
			cfg.Logger = logging.NewLogger(logLevel, "text")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			c, err := client.Dial(ctx, args[0], cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			fmt.Printf("Connected to %s (server key %s)\n", c.RemoteAddr(), c.ServerKey().Fingerprint())
			return client.NewTerminal(c, os.Stdin, os.Stdout).Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&insecure, "insecure", "k", false, "Skip TLS certificate verification (wss and quic)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	return cmd
}

func probeCmd() *cobra.Command {
	var insecure bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Test connectivity to a relay",
		Long: `Connect to a relay, perform the key exchange and wait for the join
notice, then disconnect. Reports timing and the server key fingerprint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer memguard.Purge()

			fmt.Printf("Probing %s...\n", args[0])
			result := probe.Probe(context.Background(), args[0], probe.Options{
				Timeout:            timeout,
				InsecureSkipVerify: insecure,
			})
			if !result.Success {
				fmt.Printf("FAILED: %s\n", result.ErrorDetail)
				return result.Error
			}

			fmt.Printf("OK\n")
			fmt.Printf("  Transport:   %s\n", result.Transport)
			fmt.Printf("  Server key:  %s\n", result.ServerFingerprint)
			fmt.Printf("  Nickname:    %s\n", result.Nickname)
			fmt.Printf("  Dial:        %s\n", result.DialTime.Round(time.Microsecond))
			fmt.Printf("  Handshake:   %s\n", result.HandshakeTime.Round(time.Microsecond))
			fmt.Printf("  Total:       %s\n", result.RTT.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&insecure, "insecure", "k", false, "Skip TLS certificate verification (wss and quic)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for the whole probe")

	return cmd
}

func loadtestCmd() *cobra.Command {
	var insecure bool
	var clients, messages int
	var interval, timeout time.Duration

	cmd := &cobra.Command{
		Use:   "loadtest <url>",
		Short: "Measure broadcast fan-out against a relay",
		Long: `Connect a number of clients to a relay and have each send a number of
messages. Every client must receive every message; the report shows
delivery counts and latency.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer memguard.Purge()

			cfg := client.DefaultConfig()
			cfg.DialOptions.InsecureSkipVerify = insecure
			dial := func(ctx context.Context) (*client.Client, error) {
				return client.Dial(ctx, args[0], cfg)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			fmt.Printf("Running %d clients x %d messages against %s...\n", clients, messages, args[0])
			m, err := loadtest.NewGenerator(clients, messages, interval).Run(ctx, dial)
			if err != nil {
				return err
			}

			fmt.Printf("Clients:     %d connected, %d failed\n", m.Connected, m.FailedConnects)
			fmt.Printf("Sent:        %s (%s failed)\n", humanize.Comma(m.MessagesSent), humanize.Comma(m.FailedSends))
			fmt.Printf("Delivered:   %s of %s (%.1f%%)\n",
				humanize.Comma(m.MessagesReceived), humanize.Comma(m.MessagesExpected), m.DeliveryRatio()*100)
			fmt.Printf("Latency:     min %.2fms, avg %.2fms, max %.2fms\n", m.MinLatencyMs, m.AvgLatencyMs, m.MaxLatencyMs)
			fmt.Printf("Throughput:  %s deliveries/s over %s\n",
				humanize.CommafWithDigits(m.DeliveriesPerSecond, 0), m.Duration.Round(time.Millisecond))

			if m.MessagesReceived < m.MessagesExpected {
				return fmt.Errorf("%d deliveries missing", m.MessagesExpected-m.MessagesReceived)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&insecure, "insecure", "k", false, "Skip TLS certificate verification (wss and quic)")
	cmd.Flags().IntVarP(&clients, "clients", "n", 10, "Number of clients")
	cmd.Flags().IntVarP(&messages, "messages", "m", 100, "Messages sent by each client")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between a client's messages")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Timeout for the whole run")

	return cmd
}
