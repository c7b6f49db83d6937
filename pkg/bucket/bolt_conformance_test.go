package bucket_test

import (
	"path/filepath"
	"testing"

	"github.com/nobletooth/bucketcache/pkg/bucket"
	"github.com/nobletooth/bucketcache/pkg/bucket/buckettest"
	"github.com/stretchr/testify/require"
)

func TestBolt_Conformance(t *testing.T) {
	buckettest.Run(t, func(t *testing.T) bucket.Bucket {
		b, err := bucket.OpenBolt(filepath.Join(t.TempDir(), "bucket.db"), "cache")
		require.NoError(t, err)
		return b
	})
}
