package port

import (
	"errors"
	"fmt"

	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var (
	errSyntax       = errors.New("syntax error")
	errNotInteger   = errors.New("value is not an integer or out of range")
	errInvalidTTL   = errors.New("invalid expire time in 'set' command")
	errNoRegistry   = errors.New("cache registry is not enabled")
	errUnknownCache = errors.New("unknown cache")
)

// redisCommand represents a Redis command with its arguments. Command names are upper case.
type redisCommand struct {
	command string
	args    []string
}

func wrongArity(command string) error {
	return fmt.Errorf("wrong number of arguments for '%s' command", command)
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool          // Closes the connection after writing if true.
	writeNil        bool          // Writes a nil value if true.
	err             *string       // Error to return if set.
	writeInt        *int          // Writes an integer value if set.
	writeBulk       *string       // Writes a bulk (binary safe) string if set.
	writeArray      []redisOutput // Writes an array of the given items if `isArray` is set.
	isArray         bool
	writeString     string // Writes a simple string value otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(items ...redisOutput) redisOutput {
	return redisOutput{writeArray: items, isArray: true}
}

func writeRedisBulks(values []string) redisOutput {
	items := make([]redisOutput, 0, len(values))
	for _, value := range values {
		items = append(items, writeRedisBulk(value))
	}
	return writeRedisArray(items...)
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

// write encodes `output` on `conn`.
func (output redisOutput) write(conn redcon.Conn) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulkString(*output.writeBulk)
	case output.isArray:
		conn.WriteArray(len(output.writeArray))
		for _, item := range output.writeArray {
			item.write(conn)
		}
	default:
		conn.WriteString(output.writeString)
	}
}
