package store

import (
	"errors"

	"github.com/cuemby/attrmesh/pkg/failures"
)

// WriteRequest describes one attribute write against the shared store.
type WriteRequest struct {
	// Section and Owner locate the attribute: the store section
	// ("status" or "nodes") and the node the attribute belongs to.
	Section string
	Owner   string

	// SetName and EntryKey are grouping metadata within the section.
	SetName  string
	EntryKey string

	Name  string
	Value *string

	// Principal is the ACL identity the write is attributed to.
	Principal string

	// Remote marks the owner as a remote-class node, so bulk clear
	// queries can find it.
	Remote bool
}

// Completion reports the result of one asynchronous store call.
type Completion struct {
	CallID string
	Err    error
}

// Store is the shared configuration store consumed by the engine. All
// write calls are asynchronous: they return a call ID immediately and
// deliver a Completion carrying that ID later.
type Store interface {
	// Upsert writes req.Name = *req.Value under (Section, Owner).
	Upsert(req WriteRequest) (callID string)

	// Delete removes req.Name under (Section, Owner). Deleting an
	// attribute that does not exist completes with ErrNotFound; callers
	// treat that as success.
	Delete(req WriteRequest) (callID string)

	// DeleteMatching bulk-deletes remote-node attributes covered by the
	// query.
	DeleteMatching(q failures.ClearQuery) (callID string)

	// Completions delivers results of the calls above, in the order the
	// store finished them.
	Completions() <-chan Completion

	// Connected reports whether writes can currently be issued.
	Connected() bool

	Close() error
}

// Errors a store completion can carry. The transient group covers store
// states that resolve on their own (a sync in progress, a leadership
// election, a write against a stale generation); the engine only logs
// these and relies on the desired value staying set for a later retry.
var (
	ErrNotFound           = errors.New("attribute not found")
	ErrNotConnected       = errors.New("store not connected")
	ErrSyncInProgress     = errors.New("store sync in progress")
	ErrElectionInProgress = errors.New("store election in progress")
	ErrStaleGeneration    = errors.New("write against stale store generation")
)

// IsTransient reports whether err is a retryable store condition.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSyncInProgress) ||
		errors.Is(err, ErrElectionInProgress) ||
		errors.Is(err, ErrStaleGeneration)
}
