// CACHE.* commands expose the cache registry next to the raw bucket:
//   CACHE.NAMES                 registered cache names
//   CACHE.GET <cache> <key>     value of an entry, or nil
//   CACHE.PUT <cache> <key> <v> stores an entry with the cache TTL
//   CACHE.EVICT <cache> <key>   removes an entry
//   CACHE.KEYS <cache>          entry keys of a cache
//   CACHE.CLEAR <cache>         removes every entry of a cache
//   CACHE.TTL <cache>           cache TTL in milliseconds, 0 when entries don't expire
// Looking up an unknown name in a dynamic registry creates that cache.

package port

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nobletooth/bucketcache/pkg/bucket"
)

const cachePrefix = "CACHE."

// cacheArity is the number of arguments of each CACHE.* command.
var cacheArity = map[string]int{
	"CACHE.NAMES": 0,
	"CACHE.GET":   2,
	"CACHE.PUT":   3,
	"CACHE.EVICT": 2,
	"CACHE.KEYS":  1,
	"CACHE.CLEAR": 1,
	"CACHE.TTL":   1,
}

func (rh *redisHandler) handleCache(ctx context.Context, cmd redisCommand) redisOutput {
	arity, known := cacheArity[cmd.command]
	if !known {
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
	if rh.caches == nil {
		return writeRedisError(errNoRegistry)
	}
	if len(cmd.args) != arity {
		return writeRedisError(wrongArity(strings.ToLower(cmd.command)))
	}
	if cmd.command == "CACHE.NAMES" {
		return writeRedisBulks(rh.caches.CacheNames())
	}

	cache, found := rh.caches.GetCache(cmd.args[0])
	if !found {
		return writeRedisError(fmt.Errorf("%w '%s'", errUnknownCache, cmd.args[0]))
	}
	switch cmd.command {
	case "CACHE.GET":
		value, err := cache.Get(ctx, cmd.args[1])
		if errors.Is(err, bucket.ErrKeyNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		}
		return writeRedisBulk(string(value))
	case "CACHE.PUT":
		if err := cache.Put(ctx, cmd.args[1], []byte(cmd.args[2])); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "CACHE.EVICT":
		if err := cache.Evict(ctx, cmd.args[1]); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "CACHE.KEYS":
		keys, err := cache.Keys(ctx)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisBulks(keys)
	case "CACHE.CLEAR":
		if err := cache.Clear(ctx); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "CACHE.TTL":
		return writeRedisInt(int(cache.TTL().Milliseconds()))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}
