// Package failures builds the matching predicates used to bulk-clear
// failure-tracking attributes: a compiled regular expression for entries
// in the local table and a structured query for remote-class nodes whose
// attributes live only in the shared store.
package failures
