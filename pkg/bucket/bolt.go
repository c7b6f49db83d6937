// The bolt bucket keeps entries in a bbolt file, inside a named bolt bucket. Each value is stored as
//   8 bytes big endian expiry (unix nanoseconds, 0 = never) || raw value
// Expired entries are invisible to readers and overwritten or removed by the next write that touches them.

package bucket

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const expiryHeaderSize = 8

// Bolt is a Bucket stored in a local bbolt database file.
type Bolt struct { // Implements Bucket.
	db     *bolt.DB
	bucket []byte
}

var _ Bucket = (*Bolt)(nil)

// OpenBolt opens (or creates) the database at `path` and makes sure the bolt bucket `name` exists.
func OpenBolt(path, name string) (*Bolt, error) {
	if name == "" {
		return nil, errors.New("expected a non-empty bolt bucket name")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket %s: %w", name, err)
	}
	return &Bolt{db: db, bucket: []byte(name)}, nil
}

// encodeEntry prefixes `value` with its expiry header.
func encodeEntry(value []byte, ttl time.Duration, now time.Time) []byte {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}
	buffer := make([]byte, expiryHeaderSize+len(value))
	binary.BigEndian.PutUint64(buffer[:expiryHeaderSize], uint64(expiresAt))
	copy(buffer[expiryHeaderSize:], value)
	return buffer
}

// decodeEntry returns the value of a stored entry and whether it is still live at `now`.
func decodeEntry(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < expiryHeaderSize {
		return nil, false
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:expiryHeaderSize]))
	if expiresAt > 0 && now.UnixNano() > expiresAt {
		return nil, false
	}
	return raw[expiryHeaderSize:], true
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value, live := decodeEntry(tx.Bucket(b.bucket).Get([]byte(key)), time.Now())
		if !live {
			return ErrKeyNotFound
		}
		// Bolt memory is only valid inside the transaction.
		out = append(make([]byte, 0, len(value)), value...)
		return nil
	})
	return out, b.translate(err)
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.translate(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), encodeEntry(value, ttl, time.Now()))
	}))
}

func (b *Bolt) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stored := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		now := time.Now()
		if _, live := decodeEntry(bucket.Get([]byte(key)), now); live {
			return nil
		}
		stored = true
		return bucket.Put([]byte(key), encodeEntry(value, ttl, now))
	})
	if err != nil {
		return false, b.translate(err)
	}
	return stored, nil
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.translate(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	}))
}

// DeletePrefix removes matching keys in one transaction. Expired entries are removed too but not counted.
func (b *Bolt) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		now := time.Now()
		// Collect first; deleting through a cursor while iterating skips entries.
		var keys [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = cursor.Next() {
			keys = append(keys, bytes.Clone(k))
			if _, live := decodeEntry(v, now); live {
				removed++
			}
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, b.translate(err)
	}
	return removed, nil
}

func (b *Bolt) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		now := time.Now()
		cursor := tx.Bucket(b.bucket).Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = cursor.Next() {
			if _, live := decodeEntry(v, now); live {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.translate(err)
	}
	return keys, nil
}

func (b *Bolt) Close() error {
	return b.translate(b.db.Close())
}

// translate maps bbolt's closed-database error to ErrClosed.
func (b *Bolt) translate(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
