// Package entity defines the server-tracked resources avatarctl observes and
// the single status classification every other package consumes.
//
// Key types:
//   - Kind and Key identify a resource (avatar, animation project, segment,
//     story) in the cache and on the wire.
//   - Entity is the cached representation: id, normalized status, server
//     timestamp, failure reason, and the raw kind-specific record.
//   - StatusClass partitions statuses into non-terminal, terminal-success and
//     terminal-failure. Classify is the only place that partition is derived;
//     callers must not switch on raw status strings.
//
// Status strings arrive with mixed casing across backend services (stories
// report SUCCESS/FAILURE, avatars report completed/failed). NormalizeStatus
// folds them to one canonical lower_snake form at the boundary.
package entity
