// Package dedupe suppresses redelivered message ids. At-least-once transport
// semantics make duplicates expected, not exceptional; the dispatcher checks
// every inbound id here before routing it to a handler.
package dedupe
