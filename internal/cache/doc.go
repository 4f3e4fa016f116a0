// Package cache implements the named, versioned CacheStore generations that
// back the request interceptor. A Storage owns every generation ("caches"
// namespace); a Store is one generation mapping request identities
// (method + absolute URL) to buffered response snapshots. Every Put is a full
// replacement of the key, so concurrent writers simply overwrite each other.
//
// Two backends are provided: a filesystem layout under
// StoragePath/<generation>/<sha1(key)>.entry written via temp file + rename,
// and a single sqlite database (StoragePath/caches.db) for hosts that prefer
// one file on disk.
package cache
