// Package storage is the Identity Store: the durable record of which listing
// IDs have been seen, and under which category. It is the sole source of
// truth for "have we seen this item before": the reconciler never re-derives
// history from upstream state.
package storage
