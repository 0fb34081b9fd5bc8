// Package cache holds the single in-memory representation of every server
// entity the client has seen.
//
// Reads go through EnsureFresh, which de-duplicates concurrent requests with
// singleflight and tags each fetch with a per-key generation so that an older
// response can never overwrite a newer one. Invalidate marks a key stale
// without discarding the value, and observers registered with Subscribe are
// told about every change. The store also owns the registry of poll
// subscriptions so that dropping the last observer stops polling at once.
package cache
