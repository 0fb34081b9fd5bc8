// Package apierr carries structured failure classification from the HTTP
// transport to every caller.
//
// Each failure is an *Error tagged with one Kind (validation, policy, auth,
// network, server, not_found). FromResponse derives the kind from the HTTP
// status and the structured error code of the response body; FromTransport
// handles failures that happened before a response arrived. Sentinel markers
// (ErrPolicy, ErrAuth, ...) let callers use errors.Is without depending on the
// concrete type.
package apierr
