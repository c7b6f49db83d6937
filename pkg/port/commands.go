package port

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/registry"
	"github.com/nobletooth/bucketcache/pkg/scan"
)

type redisHandler struct {
	bucket bucket.Bucket
	caches registry.Provider // Nil disables the CACHE.* commands.
}

// newRedisHandler creates a new redisHandler serving `b`, plus the caches of `caches` if non-nil.
func newRedisHandler(b bucket.Bucket, caches registry.Provider) (*redisHandler, error) {
	if b == nil {
		return nil, errors.New("expected a non-nil bucket")
	}
	return &redisHandler{bucket: b, caches: caches}, nil
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return writeRedisError(wrongArity("get"))
		}
		return rh.get(ctx, cmd.args[0])
	case "SET":
		return rh.set(ctx, cmd.args)
	case "SETNX":
		if len(cmd.args) != 2 {
			return writeRedisError(wrongArity("setnx"))
		}
		stored, err := rh.bucket.Add(ctx, cmd.args[0], []byte(cmd.args[1]), 0 /*ttl*/)
		if err != nil {
			return writeRedisError(err)
		}
		if stored {
			return writeRedisInt(1)
		}
		return writeRedisInt(0)
	case "DEL":
		if len(cmd.args) < 1 {
			return writeRedisError(wrongArity("del"))
		}
		return rh.del(ctx, cmd.args)
	case "SCAN":
		return rh.scan(ctx, cmd.args)
	default:
		if strings.HasPrefix(cmd.command, cachePrefix) {
			return rh.handleCache(ctx, cmd)
		}
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

func (rh *redisHandler) get(ctx context.Context, key string) redisOutput {
	value, err := rh.bucket.Get(ctx, key)
	if errors.Is(err, bucket.ErrKeyNotFound) {
		return writeRedisNil()
	} else if err != nil {
		return writeRedisError(err)
	}
	return writeRedisBulk(string(value))
}

// setCommand is a parsed SET key value [EX seconds | PX milliseconds] [NX].
type setCommand struct {
	key         string
	value       []byte
	ttl         time.Duration
	ifNotExists bool // NX
}

func parseSetCommand(args []string) (setCommand, error) {
	if len(args) < 2 {
		return setCommand{}, wrongArity("set")
	}
	cmd := setCommand{key: args[0], value: []byte(args[1])}
	hasExpiry := false
	for i := 2; i < len(args); i++ {
		switch option := strings.ToUpper(args[i]); option {
		case "NX":
			cmd.ifNotExists = true
		case "EX", "PX":
			if hasExpiry || i+1 >= len(args) {
				return setCommand{}, errSyntax
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return setCommand{}, errNotInteger
			}
			if amount <= 0 {
				return setCommand{}, errInvalidTTL
			}
			unit := time.Second
			if option == "PX" {
				unit = time.Millisecond
			}
			cmd.ttl, hasExpiry = time.Duration(amount)*unit, true
			i++
		default:
			return setCommand{}, errSyntax
		}
	}
	return cmd, nil
}

func (rh *redisHandler) set(ctx context.Context, args []string) redisOutput {
	cmd, err := parseSetCommand(args)
	if err != nil {
		return writeRedisError(err)
	}
	if cmd.ifNotExists {
		stored, err := rh.bucket.Add(ctx, cmd.key, cmd.value, cmd.ttl)
		if err != nil {
			return writeRedisError(err)
		}
		if !stored {
			return writeRedisNil()
		}
		return writeRedisString(RedisOk)
	}
	if err := rh.bucket.Put(ctx, cmd.key, cmd.value, cmd.ttl); err != nil {
		return writeRedisError(err)
	}
	return writeRedisString(RedisOk)
}

// del reports the number of keys that were live right before their deletion.
func (rh *redisHandler) del(ctx context.Context, keys []string) redisOutput {
	deletedCount := 0
	for _, key := range keys {
		_, err := rh.bucket.Get(ctx, key)
		if errors.Is(err, bucket.ErrKeyNotFound) {
			continue
		} else if err != nil {
			return writeRedisError(err)
		}
		if err := rh.bucket.Delete(ctx, key); err != nil {
			return writeRedisError(err)
		}
		deletedCount++
	}
	return writeRedisInt(deletedCount)
}

// scan serves SCAN cursor [MATCH pattern] [COUNT count] over a sorted snapshot of the bucket keys.
func (rh *redisHandler) scan(ctx context.Context, args []string) redisOutput {
	if len(args) < 1 {
		return writeRedisError(wrongArity("scan"))
	}
	cursor, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return writeRedisError(errors.New("invalid cursor"))
	}
	pattern, count := "", scan.DefaultCount
	for i := 1; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return writeRedisError(errSyntax)
		}
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			pattern = args[i+1]
		case "COUNT":
			if count, err = strconv.Atoi(args[i+1]); err != nil {
				return writeRedisError(errNotInteger)
			}
			if count < 1 {
				return writeRedisError(errSyntax)
			}
		default:
			return writeRedisError(errSyntax)
		}
	}
	match, err := scan.CompileGlob(pattern)
	if err != nil {
		return writeRedisError(err)
	}

	keys, err := rh.bucket.Keys(ctx, "" /*prefix*/)
	if err != nil {
		return writeRedisError(err)
	}
	page := scan.Paginate(keys, cursor, count, match)
	return writeRedisArray(writeRedisBulk(strconv.FormatUint(page.Cursor, 10)), writeRedisBulks(page.Keys))
}
