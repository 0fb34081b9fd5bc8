// Package studio is the single place where avatarctl's components are built
// and connected: credential, transport, cache, poller, mutation gateway,
// session terminator and the optional job ledger.
//
// Commands talk to a *Studio instead of the individual packages. Reads go
// through the cache, writes go through the mutation gateway, and Watch
// observes an entity until it reaches a terminal status.
package studio
