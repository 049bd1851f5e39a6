package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// attachCmd opens a live terminal session against a running machine:
// raw-mode stdin goes out as keystrokes, guest stdout streams back,
// and SIGWINCH changes are forwarded as resize control messages.
func attachCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "attach a local terminal to the running machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context(), *socketPath)
		},
	}
}

func runAttach(ctx context.Context, socketPath string) error {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}

	conn, _, err := websocket.Dial(ctx, "http://unix/attach", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return fmt.Errorf("dial attach: %w", err)
	}
	defer conn.CloseNow()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		prev, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, prev)
		}
	}

	sendSize := func() {
		if ws, err := pty.GetsizeFull(os.Stdout); err == nil {
			msg := fmt.Sprintf("resize:%dx%d", ws.Cols, ws.Rows)
			_ = conn.Write(ctx, websocket.MessageText, []byte(msg))
		}
	}
	sendSize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendSize()
		}
	}()

	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if typ == websocket.MessageBinary {
				os.Stdout.Write(data)
			}
		}
	}()

	err = <-errCh
	if err == io.EOF || err == context.Canceled {
		return nil
	}
	return err
}
