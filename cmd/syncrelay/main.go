// Command syncrelay runs the session relay server.
//
// With no SYNCRELAY_CALLBACK_URL, clients attach directly over websockets at
// /ws and membership may live in process memory. With a callback URL, an
// external gateway owns the sockets: it forwards frames to POST /events and
// receives deliveries at {SYNCRELAY_CALLBACK_URL}/@connections/{id}. Run more
// than one replica only with SYNCRELAY_STORE=redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/syncrelay"
	"github.com/ggoodman/syncrelay/dispatcher"
	"github.com/ggoodman/syncrelay/registry"
	"github.com/ggoodman/syncrelay/registry/memorystore"
	"github.com/ggoodman/syncrelay/registry/redisstore"
	"github.com/ggoodman/syncrelay/relay"
	"github.com/ggoodman/syncrelay/relay/callback"
	"github.com/ggoodman/syncrelay/relay/gateway"
)

type store interface {
	registry.Store
	io.Closer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logHandler, err := cfg.logHandler(os.Stderr)
	if err != nil {
		return err
	}
	log := slog.New(logHandler)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := registry.New(registry.Config{Store: st, TTL: cfg.SessionTTL, LogHandler: logHandler})
	if err != nil {
		return err
	}

	var (
		endpoint relay.Endpoint
		gw       *gateway.Gateway
	)
	if cfg.CallbackURL != "" {
		endpoint, err = callback.New(callback.Config{
			BaseURL:    cfg.CallbackURL,
			SigningKey: []byte(cfg.CallbackSigningKey),
			LogHandler: logHandler,
		})
		if err != nil {
			return fmt.Errorf("callback endpoint: %w", err)
		}
	} else {
		gw = gateway.New(gateway.WithLogHandler(logHandler))
		defer gw.Close()
		endpoint = gw
	}

	rl, err := relay.New(relay.Config{Membership: reg, Endpoint: endpoint, LogHandler: logHandler})
	if err != nil {
		return err
	}

	d, err := dispatcher.New(dispatcher.Config{Sessions: reg, Fanout: rl, LogHandler: logHandler})
	if err != nil {
		return err
	}

	h, err := syncrelay.NewHandler(syncrelay.Config{Dispatcher: d, Gateway: gw, LogHandler: logHandler})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.Store),
			slog.Bool("websocket_gateway", gw != nil),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown.
	if gw != nil {
		_ = gw.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config) (store, error) {
	switch cfg.Store {
	case "redis":
		st, err := redisstore.NewFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return st, nil
	default:
		st, err := memorystore.New(cfg.MaxSessions)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		return st, nil
	}
}
