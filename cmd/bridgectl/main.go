package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/sprite-bridge/internal/client"
	"github.com/rickgao/sprite-bridge/internal/protocol"
	"github.com/rickgao/sprite-bridge/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "bridgectl",
	Short:         "Command-line client for sprite-bridge",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	gatewayURL string
	token      string
	tokenEnv   string
	verbose    bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a session and send stdin lines as missions",
	Long: `Connect to the gateway, authenticate, and send every line read from
stdin as a mission. Messages from the sprite are printed as JSON lines.
Lines typed while the sprite is waking are queued and sent once it is ready.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return connect(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	connectCmd.Flags().StringVar(&gatewayURL, "url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	connectCmd.Flags().StringVar(&token, "token", "", "browser token (see `bridge token`)")
	connectCmd.Flags().StringVar(&tokenEnv, "token-env", "BRIDGE_TOKEN", "environment variable read when --token is empty")
	connectCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")

	rootCmd.AddCommand(connectCmd)
}

func connect(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	tokens := func(context.Context) (string, error) {
		if token != "" {
			return token, nil
		}
		return os.Getenv(tokenEnv), nil
	}

	ended := make(chan error, 1)
	m := client.NewManager(client.Config{URL: gatewayURL}, tokens,
		client.WithLogger(logger),
		client.OnStatus(func(c client.StatusChange) {
			if c.Err != nil {
				fmt.Fprintf(errOut, "* %s: %v\n", c.Status, c.Err)
			} else {
				fmt.Fprintf(errOut, "* %s\n", c.Status)
			}
			if c.Terminal {
				select {
				case ended <- c.Err:
				default:
				}
			}
		}),
		client.OnMessage(func(env protocol.Envelope) {
			data, err := env.Encode()
			if err != nil {
				return
			}
			fmt.Fprintln(out, string(data))
		}),
	)
	defer m.Destroy()

	if err := m.Connect(ctx); err != nil && m.Terminal() {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.Disconnect()
			return nil
		case err := <-ended:
			return err
		case line, ok := <-lines:
			if !ok {
				// Give queued missions a moment to flush
				drain(m, 2*time.Second)
				m.Disconnect()
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			result, err := m.SendEnvelope(protocol.TypeMission, protocol.MissionPayload{Content: line})
			if err != nil {
				return err
			}
			if result == client.Dropped {
				return errors.New("session ended; mission dropped")
			}
			if result == client.Queued {
				fmt.Fprintln(errOut, "* queued until the sprite is ready")
			}
		}
	}
}

// drain waits until the outbound queue is empty or timeout passes.
func drain(m *client.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for m.QueueLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
