// Package rigclient is the rig agent's HTTP client for rig-gateway.
//
// Non-2xx responses are decoded into [*APIError], which carries the gateway's
// machine-readable error kind.
package rigclient
