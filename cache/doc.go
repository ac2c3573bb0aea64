// Package cache implements the relay's per-track object cache: an
// ordered map of groups, each an ordered map of objects, with a
// watcher-driven live tail and filter-type replay (LatestObject,
// LatestGroup, AbsoluteStart, AbsoluteRange) for fan-out readers.
//
// A Cache holds one Track per track_alias. Writes to a Track are
// serialized by its write lock. Reads are not lock-free: a Reader holds
// the track's read lock only while it scans for its next object, then
// waits on a broadcast channel signalled on every new object, so a slow
// reader that is not calling Next never blocks the writer.
package cache
