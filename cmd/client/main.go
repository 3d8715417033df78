package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/framechat/internal/client"
	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/pkg/protocol"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server   string
	name     string
	timeout  time.Duration
	roster   bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "framechat-client",
		Short: "Chat from the terminal",
		Long: "Log in, print every chat line and announcement, and send each line read from stdin.\n" +
			"Use a ws:// URL as --server to connect over WebSocket. Type quit or exit to leave.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "127.0.0.1:8080", "host:port or ws:// URL of the server")
	f.StringVar(&opts.name, "name", "", "name to chat as")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Second, "time allowed to connect and log in")
	f.BoolVar(&opts.roster, "roster", false, "print who is in the chat after logging in")
	f.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	log, err := logger.New(os.Stderr, opts.logLevel, logger.FormatText)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(opts.server, client.WithLogger(log))
	defer c.Close()

	loginCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	welcome, err := c.ConnectAndLogin(loginCtx, opts.name)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[%s] %s\n", welcome.SentAt, welcome.Msg)

	if opts.roster {
		if err := c.RequestRoster(); err != nil {
			return err
		}
	}

	received := make(chan struct{})
	go func() {
		defer close(received)
		for msg := range c.Messages() {
			fmt.Fprintln(out, render(msg))
		}
	}()

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
			_ = c.Logout()
			return nil
		case <-received:
			return c.Err()
		case line, ok := <-lines:
			text := strings.TrimSpace(line)
			if !ok || text == "quit" || text == "exit" {
				_ = c.Logout()
				// The server closes the connection after a logout.
				select {
				case <-received:
				case <-time.After(opts.timeout):
				}
				return nil
			}
			if text == "" {
				continue
			}
			if err := c.SendChatMessage(text); err != nil {
				return err
			}
		}
	}
}

func render(msg protocol.Message) string {
	switch m := msg.(type) {
	case protocol.ChatMessage:
		return fmt.Sprintf("[%s] %s: %s", m.SentAt, m.Name, m.Msg)
	case protocol.UserEnteredChat:
		return fmt.Sprintf("*** %s ***", m.Msg)
	case protocol.UserLeftChat:
		return fmt.Sprintf("*** %s ***", m.Msg)
	case protocol.WhoIsInChat:
		return fmt.Sprintf("*** in the chat: %s ***", strings.Join(m.Chatters, ", "))
	default:
		return fmt.Sprintf("*** %s ***", msg.Kind())
	}
}
