package config

import (
	"fmt"
	"strings"
	"time"
)

// CacheSpec is one entry of a cache list such as "users=5m,sessions".
type CacheSpec struct {
	Name string
	TTL  *time.Duration // Nil when the entry doesn't set one.
}

// ParseCacheSpecs parses a comma separated list of `name` or `name=<duration>` entries, e.g. "a,b=5s,a=1m".
// Order and duplicates are preserved; blank entries are skipped. A "0" or "0s" duration means no expiry.
func ParseCacheSpecs(list string) ([]CacheSpec, error) {
	var specs []CacheSpec
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rawTTL, hasTTL := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("cache entry %q has no name", entry)
		}
		spec := CacheSpec{Name: name}
		if hasTTL {
			ttl, err := time.ParseDuration(strings.TrimSpace(rawTTL))
			if err != nil {
				return nil, fmt.Errorf("invalid ttl of cache %s: %w", name, err)
			}
			if ttl < 0 {
				return nil, fmt.Errorf("negative ttl %v of cache %s", ttl, name)
			}
			spec.TTL = &ttl
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
