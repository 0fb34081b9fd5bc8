// Package credential persists the bearer token avatarctl attaches to every
// request.
//
// State lives in a small JSON file written with 0600 permissions and guarded
// by a flock so two concurrent invocations never interleave writes. Manager
// exposes the token to the transport and reports missing or expired
// credentials locally, before any request is sent.
package credential
