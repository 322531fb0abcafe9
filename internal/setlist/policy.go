package setlist

// Decision is the outcome of conflict resolution for a stale mutation.
type Decision int

const (
	DecisionReject Decision = iota
	DecisionRebase
)

// Resolution is everything the policy may look at: the two versions, the
// operation kind, the song the mutation targets, and summaries of the
// changes committed between the two versions.
type Resolution struct {
	BaseVersion    int
	CurrentVersion int
	Operation      OperationKind
	SongID         string
	Intervening    []ChangeSummary
}

// Policy decides whether a stale mutation is rejected or rebased against
// current state. Implementations must be pure: same input, same decision.
type Policy interface {
	Resolve(r Resolution) Decision
}

// RebaseOrderingPolicy is the default. Scalar edits always lose on a version
// mismatch, because silently merging them would discard another
// collaborator's explicit field change. Position-based operations are
// rebased when the interim changes were themselves ordering operations on
// other songs: the positional intent stays meaningful after renumbering.
// Touching the same song, or any interim scalar edit, falls back to reject.
type RebaseOrderingPolicy struct{}

func (RebaseOrderingPolicy) Resolve(r Resolution) Decision {
	if !isOrderingKind(r.Operation) {
		return DecisionReject
	}
	// One journal row per version; a gap means we cannot account for every
	// interim change, so don't pretend we can.
	if len(r.Intervening) != r.CurrentVersion-r.BaseVersion {
		return DecisionReject
	}
	for _, c := range r.Intervening {
		if !isOrderingKind(c.Operation) {
			return DecisionReject
		}
		if c.SongID != "" && c.SongID == r.SongID {
			return DecisionReject
		}
	}
	return DecisionRebase
}

// RejectAllPolicy refuses every stale mutation. Useful where clients prefer
// an explicit refetch-and-retry loop over server-side rebasing.
type RejectAllPolicy struct{}

func (RejectAllPolicy) Resolve(Resolution) Decision { return DecisionReject }
