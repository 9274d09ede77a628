// Package monitoring carries the relay's diagnostic log sink.
package monitoring

import "log"

// Logf receives every relay log line: dropped datagrams, expired frames,
// dispatch failures and channel churn. Swap it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger routes relay logging to f. A nil f discards it, which the
// package tests use to keep output quiet.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
