// Command chat is a small client for a running clushd. It logs in, prints
// every frame it receives and sends each line typed on stdin to the peer.
//
//	go run ./example -addr 127.0.0.1:9527 -id 42 -password secret -to 7
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/clush"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9527", "server address")
	id := flag.Uint64("id", 0, "your user id")
	password := flag.String("password", "", "your password hash")
	to := flag.Uint64("to", 0, "recipient user id")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := clush.Dial(ctx, *addr)
	if err != nil {
		slog.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Login(*id, []byte(*password)); err != nil {
		slog.Error("login failed", "error", err)
		os.Exit(1)
	}
	slog.Info("logged in", "id", *id, "addr", *addr)

	go receive(client, cancel)
	go keepAlive(ctx, client)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := client.SendText(*id, *to, line); err != nil {
				slog.Error("send failed", "error", err)
				return
			}
		}
	}
}

func receive(client *clush.Client, cancel context.CancelFunc) {
	defer cancel()

	for {
		f, err := client.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("receive failed", "error", err)
			}
			return
		}
		slog.Info("message", "kind", f.Kind, "from", f.From, "text", string(f.Payload))
	}
}

// keepAlive keeps the server's idle timer from expiring while the user is quiet.
func keepAlive(ctx context.Context, client *clush.Client) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.KeepAlive(); err != nil {
				return
			}
		}
	}
}
