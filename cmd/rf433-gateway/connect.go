package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rf433-gateway/internal/config"
	"github.com/chaz8081/rf433-gateway/internal/discovery"
	"github.com/chaz8081/rf433-gateway/internal/message"
)

func connectCmd(configPath *string) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect [service-name]",
		Short: "Open an interactive session with a running gateway",
		Long: `connect resolves a gateway service by name (or uses --addr) and runs
an interactive session. Type a command from the offered list and press
enter; end input to disconnect.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			name := cfg.Service.Name
			if len(args) == 1 {
				name = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if addr == "" {
				addr, err = resolve(ctx, cfg, name, timeout)
				if err != nil {
					return err
				}
				logger.Debug("resolved service", "name", name, "addr", addr)
			}

			var d net.Dialer
			dctx, cancel := context.WithTimeout(ctx, timeout)
			conn, err := d.DialContext(dctx, "tcp", addr)
			cancel()
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			defer conn.Close()
			context.AfterFunc(ctx, func() { conn.Close() })

			fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s\n", addr)
			return runClient(conn, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway host:port, skipping service discovery")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "resolve and dial timeout")
	return cmd
}

func resolve(ctx context.Context, cfg *config.Config, name string, timeout time.Duration) (string, error) {
	if cfg.Discovery.Backend != "mqtt" {
		return "", errors.New("no address: pass --addr or set discovery.backend to mqtt")
	}
	m, err := discovery.DialMQTT(cfg.Discovery, nil)
	if err != nil {
		return "", err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Resolve(ctx, name)
}

// runClient copies typed lines to conn as actions and prints every message
// the gateway sends, including unsolicited ones. It returns when either
// side ends.
func runClient(conn io.ReadWriter, in io.Reader, out io.Writer) error {
	recvErr := make(chan error, 1)
	go func() {
		r := message.NewReader(conn)
		for {
			m, err := r.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				recvErr <- err
				return
			}
			printMessage(out, m)
		}
	}()

	sendErr := make(chan error, 1)
	go func() {
		w := message.NewWriter(conn)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if err := w.Write(message.Message{Action: line}); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- sc.Err()
	}()

	select {
	case err := <-recvErr:
		return err
	case err := <-sendErr:
		return err
	}
}

func printMessage(w io.Writer, m message.Message) {
	if m.Response != "" {
		prefix := ""
		if m.Key != "" {
			prefix = "[" + m.Key + "] "
		}
		fmt.Fprintf(w, "%s%s\n", prefix, m.Response)
	}
	if m.Data != "" {
		fmt.Fprintf(w, "  data: %s\n", m.Data)
	}
	if len(m.Commands) > 0 {
		fmt.Fprintf(w, "  > %s\n", strings.Join(m.Commands, " | "))
	}
}
