// Package table holds the in-memory attribute table: one entry per
// attribute name tracking the desired value, the last store-confirmed
// value and the grouping/dampening metadata used when persisting.
package table
