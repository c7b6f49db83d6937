// The Redis protocol port serves a bucket to any Redis client, e.g. another bucketcache using the redis backend,
// and exposes the cache registry through CACHE.* commands.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/registry"
	"github.com/nobletooth/bucketcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/redcon"
)

var (
	address        = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")
	commandTimeout = flag.Duration("command_timeout", 5*time.Second, "Deadline of a single command on the bucket.")

	commandsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_commands_total",
		Help: "Total number of Redis protocol commands served.",
	}, []string{
		"command", // Upper case command name, or "OTHER" for unknown commands.
		"status",  // ok | error
	})
)

// knownCommands bounds the `command` label of commandsMetric.
var knownCommands = map[string]bool{
	"PING": true, "QUIT": true, "GET": true, "SET": true, "SETNX": true, "DEL": true, "SCAN": true,
}

func commandLabel(command string) string {
	if _, isCache := cacheArity[command]; isCache || knownCommands[command] {
		return command
	}
	return "OTHER"
}

// RunRedisServer listens on --address and serves `b`, plus `caches` when non-nil, until `ctx` is done.
// The caller keeps ownership of the bucket.
func RunRedisServer(ctx context.Context, b bucket.Bucket, caches registry.Provider) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	ln, err := net.Listen("tcp", *address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *address, err)
	}
	return Serve(ctx, ln, b, caches)
}

// Serve serves the Redis protocol on `ln` until `ctx` is done. It always closes `ln`.
func Serve(ctx context.Context, ln net.Listener, b bucket.Bucket, caches registry.Provider) error {
	redisHandler, err := newRedisHandler(b, caches)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServer(ln.Addr().String(),
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			if len(cmd.Args) == 0 {
				utils.RaiseInvariant("port", "empty_command", "Received a command without arguments.",
					"remote", conn.RemoteAddr())
				return
			}
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}

			commandCtx, cancel := context.WithTimeout(ctx, *commandTimeout)
			output := redisHandler.handle(commandCtx, command)
			cancel()

			status := "ok"
			if output.err != nil {
				status = "error"
			}
			commandsMetric.WithLabelValues(commandLabel(command.command), status).Inc()

			output.write(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true // Accept all connections.
		},
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- redisServer.Serve(ln)
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", ln.Addr().String(), "bucket", bucket.Name(b),
		"registry", caches != nil)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			slog.Debug("Failed to close redis server.", "error", err)
		}
		_ = ln.Close() // The server may not have picked up the listener yet.
		<-serverErrSignal
		slog.Info("Redis protocol server stopped.")
		return nil
	case err := <-serverErrSignal:
		if err == nil {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}
}
