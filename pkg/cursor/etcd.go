package cursor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is the Cursor Store backend for operators who already run
// etcd for relayer coordination (SPEC_FULL.md §3.1). It uses a
// compare-and-swap transaction on write so a cursor can never be
// clobbered with a stale (lower) value by a racing writer, mirroring the
// monotonic-cursor invariant from spec.md §3/§8 at the storage layer
// itself, not just in the listener.
type EtcdStore struct {
	cli *clientv3.Client
}

// OpenEtcd dials the given etcd endpoints.
func OpenEtcd(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd cursor store: %w", err)
	}
	return &EtcdStore{cli: cli}, nil
}

// etcdValueWidth is wide enough for any uint64 in decimal. Values are
// zero-padded to this width so that etcd's byte-wise Value comparator
// (used by Write's Txn below) agrees with numeric ordering.
const etcdValueWidth = 20

func encodeEtcdValue(block uint64) string {
	return fmt.Sprintf("%0*d", etcdValueWidth, block)
}

// Read implements Store.
func (s *EtcdStore) Read(ctx context.Context, name string, chain ChainKey, def uint64) (uint64, error) {
	resp, err := s.cli.Get(ctx, Key(name, chain))
	if err != nil || len(resp.Kvs) == 0 {
		// Per spec.md §4.5, read failures (including "not found") fall
		// back to the configured default.
		return def, nil
	}
	value, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return def, nil
	}
	return value, nil
}

// Write implements Store.
//
// A plain Put would also satisfy the spec, but a Txn that only applies
// the write when the stored value is absent or lower than the new one
// gives the "cursor advances monotonically" invariant (spec.md §3)
// protection against two relayer instances sharing a name by operator
// mistake, not just against internal listener bugs.
func (s *EtcdStore) Write(ctx context.Context, name string, chain ChainKey, block uint64) error {
	key := Key(name, chain)
	value := encodeEtcdValue(block)

	cmp := clientv3.Compare(clientv3.Value(key), "<", value)
	createCmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)

	txnResp, err := s.cli.Txn(ctx).
		If(createCmp).
		Then(clientv3.OpPut(key, value)).
		Else(clientv3.OpTxn(
			[]clientv3.Cmp{cmp},
			[]clientv3.Op{clientv3.OpPut(key, value)},
			nil,
		)).
		Commit()
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", key, err)
	}
	_ = txnResp
	// Whichever branch ran, either the key didn't exist yet (first
	// write wins) or the CAS only applied when the new value is
	// strictly greater (monotonic write wins); in both cases a failed
	// inner comparison just means a concurrent writer already advanced
	// the cursor at least this far, which is not an error.
	return nil
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	return s.cli.Close()
}
