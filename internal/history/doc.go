// Package history is the optional message audit log, backed by SQLite.
//
// Every message the relay sends or receives can be recorded as an immutable
// row. The log is strictly an observer: nothing in the delivery path depends
// on it, and a history write failure never fails a send.
package history
