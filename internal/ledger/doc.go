// Package ledger keeps a local SQLite record of the generation jobs avatarctl
// started, so that `avatarctl resume` can re-attach polling after a restart.
//
// The ledger only stores job identity and the last observed status; entity
// data is always re-read from the service through the cache. It follows the
// usual pragmas (WAL, busy timeout) and retries writes that hit SQLITE_BUSY.
package ledger
