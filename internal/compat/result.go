// Package compat checks Avro reader/writer schema compatibility —
// the core of the handshake's request- and response-compatibility
// determination (SPEC_FULL.md §4.3).
package compat

import "fmt"

// Result is the outcome of a compatibility check: whether the
// reader can parse data written by the writer, plus human-readable
// reasons for any incompatibility found along the way.
type Result struct {
	Compatible bool
	Messages   []string
}

func NewCompatibleResult() *Result {
	return &Result{Compatible: true}
}

func NewIncompatibleResult(msg string) *Result {
	return &Result{Compatible: false, Messages: []string{msg}}
}

// AddMessage records an incompatibility reason and flips Compatible false.
func (r *Result) AddMessage(format string, args ...any) {
	r.Compatible = false
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Merge folds another result's compatibility and messages into r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if !other.Compatible {
		r.Compatible = false
	}
	r.Messages = append(r.Messages, other.Messages...)
}
