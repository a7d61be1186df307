// Package shardmap manages horizontal partitioning metadata for a
// collection of databases: which shard map exists, which shards belong
// to it, and which key or key range routes to which shard.
//
// The authoritative state lives in a global store; every shard carries
// a local copy of the mappings that apply to it. Structural operations
// (add/remove shard, create/split/merge/move mappings) run as two-phase
// store operations that keep both sides consistent and are idempotent
// under retry, with automatic rollback when a step fails mid-flight.
// Key lookups are served from a TTL-based in-memory cache backed by the
// global store.
//
// Typical use:
//
//	mgr, err := shardmap.CreateShardMapManager(ctx, &shardmap.Config{Store: store}, shardmap.CreateModeKeepExisting)
//	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
//	shard, err := smap.CreateShard(ctx, proto.ShardLocation{Server: "db0", Database: "orders0"})
//	r, _ := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
//	_, err = smap.CreateRangeMapping(ctx, r, shard)
//	m, err := smap.GetMappingForKey(ctx, keys.NewInt32(42))
package shardmap
