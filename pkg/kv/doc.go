// Package kv provides a small Redis-like key-value store abstraction with
// in-memory and Redis-backed implementations.
//
// Backends register themselves from their package init, so callers import
// them for side effects:
//
//	import _ "github.com/leafsii/leafsii-farming/pkg/kv/memory"
//
//	store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.HMSet(ctx, "farm:ledger", map[string][]byte{
//		"stake/alice": []byte("100"),
//		"stake/bob":   []byte("0"),
//	})
//
// The in-memory implementation supports TTLs with a background janitor and is
// what tests and the dev profile use. The Redis adapter wraps go-redis/v9.
package kv
