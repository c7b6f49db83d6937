// Spins up the bucketcache server: a bucket (memory, bolt or redis) plus a registry of named caches on top of it,
// both served over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/config"
	"github.com/nobletooth/bucketcache/pkg/port"
	"github.com/nobletooth/bucketcache/pkg/registry"
	"github.com/nobletooth/bucketcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	cachesFlag     = flag.String("caches", "", "Comma separated caches as name or name=ttl; empty creates caches on demand.")
	defaultTTL     = flag.Duration("default_ttl", 0, "TTL of caches that don't set one; 0 means entries never expire.")
	metricsAddress = flag.String("metrics_address", "", "The ip:port serving /metrics; empty disables it.")
)

// newManager builds the cache registry described by `caches` on top of `b`.
func newManager(b bucket.Bucket, caches string, ttl time.Duration) (*registry.Manager, error) {
	specs, err := config.ParseCacheSpecs(caches)
	if err != nil {
		return nil, fmt.Errorf("invalid --caches: %w", err)
	}
	declarations := make([]*registry.Declaration, 0, len(specs))
	for _, spec := range specs {
		declarations = append(declarations, &registry.Declaration{Name: spec.Name, TTL: spec.TTL})
	}
	manager := registry.NewManagerFromDeclarations(registry.Template{Bucket: b, DefaultTTL: ttl}, declarations...)
	manager.Initialize()
	return manager, nil
}

// serveMetrics exposes the prometheus registry until `ctx` is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped.", "error", err)
	}
}

func run(ctx context.Context) error {
	b, err := bucket.OpenFromFlags(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("Failed to close bucket.", "error", err)
		}
	}()

	manager, err := newManager(b, *cachesFlag, *defaultTTL)
	if err != nil {
		return err
	}
	if *metricsAddress != "" {
		go serveMetrics(ctx, *metricsAddress)
	}
	return port.RunRedisServer(ctx, b, manager)
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Bucketcache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() { // Log the termination signal once received.
		<-ctx.Done()
		slog.Info("Received termination signal, cancelling server context.", "uptime", utils.Uptime())
	}()

	if err := run(ctx); err != nil {
		slog.Error("Bucketcache server stopped.", "error", err)
		os.Exit(1)
	}
}
