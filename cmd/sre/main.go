// Command sre runs a Smyth Runtime Environment node: it wires the configured
// connectors, then serves the virtual filesystem HTTP surface (temp and
// resource URLs).
//
// # Configuration
//
// Environment variables:
//
//	SRE_ADDR     - HTTP listen address (default: ":5053")
//	SRE_CONFIG   - connector config YAML path (default: "sre.yaml")
//	SRE_BASE_URL - public base URL for issued links (default: "http://localhost:5053")
//	SRE_ACL_TTL  - guard-side ACL cache TTL (default: "30s", 0 disables)
//
// # Example
//
//	SRE_CONFIG=deploy/sre.yaml go run ./cmd/sre
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/smythos/sre"
)

func main() {
	ctx := log.Context(context.Background())
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	addr := envOr("SRE_ADDR", ":5053")
	configPath := envOr("SRE_CONFIG", "sre.yaml")
	baseURL := envOr("SRE_BASE_URL", "http://localhost:5053")
	aclTTL := envDurationOr("SRE_ACL_TTL", 30*time.Second)

	runtime, err := sre.New(ctx, sre.Options{
		ConfigPath: configPath,
		BaseURL:    baseURL,
		CacheTTL:   aclTTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := runtime.Shutdown(stopCtx); err != nil {
			log.Error(stopCtx, err, log.KV{K: "msg", V: "shutdown incomplete"})
		}
	}()

	server := &http.Server{Addr: addr, Handler: runtime.Handler()}
	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "sre listening"}, log.KV{K: "addr", V: addr})
		errc <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
