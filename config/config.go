// Package config builds cache.Config and packed layer tunables from
// command-line flags. It is entirely optional and outside the core
// BlobStore call graph: lock, cache, tx, and packed never import it.
package config

import (
	flag "github.com/spf13/pflag"

	"github.com/c-pro/blobkit/cache"
	"github.com/c-pro/blobkit/packed"
)

// Config is a flat, flag-loadable superset of the per-layer config
// structs a host binary typically wants to expose. Zero-value Config
// yields each layer's own zero-value defaults.
type Config struct {
	CacheFileURLs bool
	AutoFlushing  bool
	FetchPoolSize int

	AppendRoot             string
	AppendMaxContainerSize int

	JsonRoot                   string
	JsonMaxEntriesPerContainer int

	LockShards int
}

// RegisterFlags adds this Config's fields to flagSet, prefixed so
// multiple layers can share one FlagSet without colliding.
func RegisterFlags(flagSet *flag.FlagSet, cfg *Config) {
	flagSet.BoolVar(&cfg.CacheFileURLs, "cache-file-urls", false, "cache backend URL lookups")
	flagSet.BoolVar(&cfg.AutoFlushing, "cache-auto-flush", false, "flush cache writes through immediately")
	flagSet.IntVar(&cfg.FetchPoolSize, "cache-fetch-pool", 0, "max concurrent backend fetches (0: default)")

	flagSet.StringVar(&cfg.AppendRoot, "append-root", "", "key prefix for append-packed containers")
	flagSet.IntVar(&cfg.AppendMaxContainerSize, "append-max-container-size", 1<<20, "max bytes per append-packed container")

	flagSet.StringVar(&cfg.JsonRoot, "json-root", "", "key prefix for json-packed containers")
	flagSet.IntVar(&cfg.JsonMaxEntriesPerContainer, "json-max-entries-per-container", 1000, "max entries per json-packed container")

	flagSet.IntVar(&cfg.LockShards, "lock-shards", 0, "per-key lock table shard count (0: default)")
}

// Parse builds a Config from args using a fresh FlagSet named name.
func Parse(name string, args []string) (Config, error) {
	var cfg Config
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	RegisterFlags(flagSet, &cfg)
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CacheConfig projects the cache.Store-relevant fields.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		CacheFileURLs: c.CacheFileURLs,
		AutoFlushing:  c.AutoFlushing,
		FetchPoolSize: c.FetchPoolSize,
	}
}

// AppendConfig projects the packed.Append-relevant fields.
func (c Config) AppendConfig() packed.AppendConfig {
	return packed.AppendConfig{
		Root:             c.AppendRoot,
		MaxContainerSize: c.AppendMaxContainerSize,
	}
}

// JsonConfig projects the packed.Json-relevant fields.
func (c Config) JsonConfig() packed.JsonConfig {
	return packed.JsonConfig{
		Root:                   c.JsonRoot,
		MaxEntriesPerContainer: c.JsonMaxEntriesPerContainer,
	}
}
