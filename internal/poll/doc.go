// Package poll keeps non-terminal entities fresh while something observes
// them.
//
// A subscription ticks at a fixed rate derived from the entity kind and
// status, re-fetching through the cache store. Ticks never overlap: one that
// comes due while the previous fetch is still outstanding is skipped. Terminal
// statuses, a missing entity, auth failures and the loss of the last observer
// all end the subscription; network and server failures only count towards
// the degraded threshold. Scheduling runs on the Clock interface so tests can
// drive it with FakeClock.
package poll
