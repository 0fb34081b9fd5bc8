// Package transport is the REST client for the generation service.
//
// Every call carries the bearer credential, a per-request timeout, an
// X-Request-ID and an OpenTelemetry client span. Non-2xx responses are
// classified into apierr kinds from the status code and structured error
// code; auth failures additionally fire the hook the session layer installs.
// Responses are converted into entity.Entity values keyed the way the cache
// expects, and Resolve dispatches a cache key to the matching GET endpoint.
package transport
