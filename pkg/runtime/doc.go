/*
Package runtime wraps the Docker engine API behind the narrow surface the
control plane needs: image presence checks, worker container launch with
port and volume bindings, and per-container stop/restart/remove.

Engine "not found" responses are translated to errdefs.ErrNotFound so
callers can distinguish a vanished container from an engine failure; the
lifecycle coordinator relies on this to mark rows unknown instead of
erroring.

The client is safe for concurrent use and is shared across request
handlers and the proxy manager (which restarts the multiplexer container
by name to reload its config).
*/
package runtime
