// Package mutation runs writes against the service and keeps the cache in
// step with their outcome.
//
// Each submission gets a per-key index. A successful write invalidates every
// key it touches so the next read returns server-confirmed state, and is
// flagged superseded when a later write to the same key was submitted before
// it resolved. A failed write is classified and leaves the cache alone; auth
// failures additionally end the session.
package mutation
