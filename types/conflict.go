package types

// Resolution is the outcome of comparing an incoming record against the
// destination's current copy.
type Resolution struct {
	// Apply is true when the incoming record should overwrite the current one
	Apply bool

	// Tie is true when both records carry the same updatedAt. Ties are
	// counted as conflicts regardless of which side wins.
	Tie bool
}

// sourceRank orders sources for the tiebreak: on an exact timestamp tie the
// document-store write wins.
func sourceRank(s Source) int {
	if s == SourcePrimary {
		return 1
	}

	return 0
}

// Resolve implements last-writer-wins with a deterministic tiebreak chain:
// larger updatedAt wins; on an exact tie the primary-sourced record wins;
// ties between same-ranked sources fall back to the higher version; a full
// tie keeps the current record.
//
// The same policy is used by both stream consumers and by the reconciler, so
// application is commutative and order-independent.
func Resolve(current, incoming *Record) Resolution {
	if incoming == nil {
		return Resolution{Apply: false}
	}

	if current == nil {
		return Resolution{Apply: true}
	}

	if current.UpdatedAt > incoming.UpdatedAt {
		return Resolution{Apply: false}
	}

	if current.UpdatedAt < incoming.UpdatedAt {
		return Resolution{Apply: true}
	}

	// Exact timestamp tie
	res := Resolution{Tie: true}

	currentRank := sourceRank(current.Source)
	incomingRank := sourceRank(incoming.Source)

	switch {
	case incomingRank > currentRank:
		res.Apply = true
	case incomingRank < currentRank:
		res.Apply = false
	default:
		res.Apply = incoming.Version > current.Version
	}

	return res
}
