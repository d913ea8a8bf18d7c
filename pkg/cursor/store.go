// Package cursor implements the Block Cursor capability from spec.md
// §3/§4.5: per (relayer_name, chain) persistence of the last block of the
// newest batch acknowledged in order (a source listener resumes fetching
// from that block, so it is checked once more after a restart), behind a
// single Store interface with interchangeable backends.
package cursor

import (
	"context"
	"fmt"
)

// ChainKey identifies one side of the bridge in the external store's key
// space, per spec.md §6.
type ChainKey string

const (
	ChainAzero ChainKey = "alephzero_last_known_block_number"
	ChainEth   ChainKey = "ethereum_last_known_block_number"
)

// Key renders the "{name}:{chain_key}" external key for a given relayer
// identity and chain, per spec.md §3.
func Key(name string, chain ChainKey) string {
	return fmt.Sprintf("%s:%s", name, chain)
}

// Store is the capability-bound external cursor cache from spec.md §4.5:
// read returns the persisted cursor or def if none is stored (or the read
// itself fails, which is deliberately non-fatal — it just means "start
// from the configured default"); write is fatal on failure, since a
// failed write risks double-processing on restart (spec.md §7).
type Store interface {
	Read(ctx context.Context, name string, chain ChainKey, def uint64) (uint64, error)
	Write(ctx context.Context, name string, chain ChainKey, block uint64) error

	// Close releases any underlying connection/handle.
	Close() error
}

// Seed forcibly writes block to the store for (name, chain), used to
// implement the `override_*_cache` boot flags from spec.md §6: operators
// can reset a stuck cursor to `default_sync_from_block - 1` before any
// listener starts.
func Seed(ctx context.Context, s Store, name string, chain ChainKey, block uint64) error {
	// EtcdStore.Write never lowers a stored cursor, so Seed puts the
	// value directly.
	if es, ok := s.(*EtcdStore); ok {
		if _, err := es.cli.Put(ctx, Key(name, chain), encodeEtcdValue(block)); err != nil {
			return fmt.Errorf("seed cursor %s: %w", Key(name, chain), err)
		}
		return nil
	}
	if err := s.Write(ctx, name, chain, block); err != nil {
		return fmt.Errorf("seed cursor %s: %w", Key(name, chain), err)
	}
	return nil
}
