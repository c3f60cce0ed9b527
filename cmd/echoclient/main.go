// Command echoclient dials an echoserver over websocket and drives a
// supervised serial or pipelined client against it, printing each
// round trip. It exists to exercise lib/client and lib/conn end to
// end over a real socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/relaycore/cmd/config"
	"github.com/onkernel/relaycore/lib/client"
	"github.com/onkernel/relaycore/lib/conn"
	"github.com/onkernel/relaycore/lib/wire"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	configPath := flag.String("config", "", "optional YAML config file overlay")
	mode := flag.String("mode", "pipelined", "client mode: serial or pipelined")
	message := flag.String("message", "hello", "payload to echo")
	count := flag.Int("count", 1, "number of requests to send")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("echoclient configuration", "config", cfg, "mode", *mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec := wire.JSONCodec{CompressThreshold: cfg.CompressThreshold}
	generator := conn.DialWebSocket(cfg.DialURL, conn.DialOptions{Codec: codec, RetryAttempts: 3})
	maxBackoff := time.Duration(cfg.BackoffCapMS) * time.Millisecond
	sup := conn.New(ctx, cfg.Description, generator, conn.WithLogger(slogger), conn.WithMaxBackoff(maxBackoff))

	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.RequestTimeoutMS == 0 {
		timeout = -1
	}

	switch *mode {
	case "serial":
		c := client.NewSerialClient(ctx, sup, slogger)
		runRequests(ctx, *count, *message, timeout, c.Request)
		c.Close()
		<-c.Done()
	default:
		c := client.NewPipelinedClient(ctx, sup, slogger)
		runRequests(ctx, *count, *message, timeout, c.Request)
		c.Close()
		<-c.Done()
	}
}

func runRequests(ctx context.Context, count int, message string, timeout time.Duration, request func(any, time.Duration) *wire.ResultHandle[any]) {
	for i := 0; i < count; i++ {
		handle := request(fmt.Sprintf("%s-%d", message, i), timeout)
		resp, err := handle.Wait(ctx)
		if err != nil {
			fmt.Printf("request %d failed: %v\n", i, err)
			continue
		}
		fmt.Printf("request %d echoed: %v\n", i, resp)
	}
}
