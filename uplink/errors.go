package uplink

import "errors"

var (
	// ErrEmpty is returned when the revision ledger holds no bootstrap
	// revision. The uplink is unusable until an operator initializes it.
	ErrEmpty = errors.New("uplink: repository is not initialized")
	// ErrInvalidRevision is returned by Fetch when the caller claims a
	// revision ahead of the uplink head.
	ErrInvalidRevision = errors.New("uplink: known revision is ahead of the head")
	// ErrStaleParent is returned by Push when the head is behind the
	// proto commit's parent. The head never regresses, so this signals a
	// bug in the caller's bookkeeping, not a race; it is never retried.
	ErrStaleParent = errors.New("uplink: head is behind the parent revision")
	// ErrLevelMismatch is returned by CreateProtoCommit when the caller's
	// level does not match the parent revision it proposes to extend.
	ErrLevelMismatch = errors.New("uplink: parent level does not match the parent revision")
	// ErrUnknownAggregation is returned when a chunk references an
	// aggregation with no registered key codec.
	ErrUnknownAggregation = errors.New("uplink: unknown aggregation")
)
