// Package store implements the storage hierarchy of an HTTP object cache:
// an index of entries in use, a memory cache, a table of entries being
// collapsed across controllers, and a set of cache directories.
//
// Design
//
//   - Controller: one per event loop. It owns the hash table of entries in
//     use and routes lookups in a fixed order: entries marked for deletion
//     are misses, then the local index, the transients table, the memory
//     cache and finally the cache_dirs, starting with the dir after the one
//     consulted last.
//
//   - Entries: an Entry is private (indexed under a key nobody looks up)
//     until MakePublic. Locks pin an entry; the last Unlock hands it to
//     HandleIdleEntry, which keeps it in local memory, keeps only its disk
//     copy or forgets it. Entries marked with FlagReleaseRequest are
//     destroyed instead.
//
//   - Removal policies: the local memory cache and every cache_dir use a
//     policy.Policy ("lru", "heap LRU", "heap GDSF", "heap LFUDA").
//
//   - Cache dirs: SwapDir is the contract, DiskBase carries the shared size
//     accounting and admission checks. Placement uses round-robin or
//     least-load selection. Each dir keeps a swap log of ADD/DEL records
//     that WriteCleanLogs can compact.
//
//   - Sharing: a MemStore and a TransientsTable may be attached to several
//     controllers. A reader of an entry another controller writes is told
//     about changes through Transients.Notify and catches up with
//     SyncCollapsed.
//
// Basic usage
//
//	c, err := store.New(store.Options{Dirs: dirs})
//	if err != nil { ... }
//	if err := c.Init(); err != nil { ... }
//
//	e := c.CreateEntry(0)
//	_ = c.MakePublic(e, store.PublicKey("GET", url))
//	_ = c.Append(e, body)
//	c.Complete(e)
//	c.Unlock(e)
//
//	for c.Callback() > 0 {
//	}
//	if hit := c.Find(store.PublicKey("GET", url)); hit != nil {
//	    c.Lock(hit)
//	    // serve hit
//	    c.Unlock(hit)
//	}
//
// # Thread-safety
//
// Controller and Entry are not safe for concurrent use. MemStore and
// TransientsTable are.
package store
