// Command echoserver accepts websocket connections and serves them
// with relaycore's serial or pipelined server, echoing every request
// back as the response. It exists to exercise lib/server and the
// websocket transport end-to-end.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/onkernel/relaycore/cmd/config"
	"github.com/onkernel/relaycore/lib/logger"
	"github.com/onkernel/relaycore/lib/server"
	"github.com/onkernel/relaycore/lib/wire"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	configPath := flag.String("config", "", "optional YAML config file overlay")
	mode := flag.String("mode", "pipelined", "server mode: serial or pipelined")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("echoserver configuration", "config", cfg, "mode", *mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec := wire.JSONCodec{CompressThreshold: cfg.CompressThreshold}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  []string{"*"},
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			slogger.Error("websocket accept failed", "err", err)
			return
		}
		conn.SetReadLimit(100 * 1024 * 1024)
		ch := wire.NewWebSocketChannel(conn, codec)

		log := logger.FromContext(r.Context())
		var srv *server.Server
		switch *mode {
		case "serial":
			srv = server.Serial(ctx, ch, echoHandler, log)
		default:
			srv = server.Pipelined(ctx, ch, echoHandler, log)
		}
		<-srv.Done()
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		slogger.Info("echoserver starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("echoserver failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("echoserver failed to shut down", "err", err)
	}
}

// echoHandler completes slot with req's own payload, turning the
// server into an echo over whatever transport carries it.
func echoHandler(_ context.Context, slot *wire.ResultHandle[wire.Msg], req wire.Msg) {
	slot.Success(wire.Data(req.Data))
}
