package setlist

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Announcer receives committed changes for delivery to collaborator
// sessions. Rejected mutations never reach it.
type Announcer interface {
	Announce(ctx context.Context, change CommittedChange)
}

// errRebaseLost marks a rebase that could not be reinterpreted against the
// live list (the target song is gone or ambiguous). Mapped to a
// ConflictError before it leaves the controller.
var errRebaseLost = errors.New("rebase lost target")

// Controller validates each mutation against the caller's base version,
// applies it, and bumps the version, all inside one transaction scoped to
// the setlist row.
type Controller struct {
	db        DB
	store     *Store
	policy    Policy
	announcer Announcer
	now       func() time.Time
}

func NewController(db DB, store *Store, policy Policy, announcer Announcer) *Controller {
	return &Controller{
		db:        db,
		store:     store,
		policy:    policy,
		announcer: announcer,
		now:       time.Now,
	}
}

// Apply consumes one mutation envelope and either promotes it to a
// committed, broadcast change or rejects it. Returned errors are
// *ConflictError, *ValidationError, *PersistenceError, or ErrNotFound.
func (c *Controller) Apply(ctx context.Context, m Mutation) (*CommittedChange, error) {
	if err := validateMutation(&m); err != nil {
		return nil, err
	}

	// Unlocked read; the transaction below re-validates at commit time.
	current, err := c.store.Read(ctx, m.SetlistID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read version", Err: err}
	}

	rebased := false
	if m.BaseVersion != current.Version {
		if m.BaseVersion > current.Version {
			return nil, &ValidationError{Detail: "baseVersion is ahead of the stored version"}
		}
		intervening, err := c.store.ChangesSince(ctx, m.SetlistID, m.BaseVersion)
		if err != nil {
			return nil, &PersistenceError{Op: "change lookup", Err: err}
		}
		decision := c.policy.Resolve(Resolution{
			BaseVersion:    m.BaseVersion,
			CurrentVersion: current.Version,
			Operation:      m.Operation,
			SongID:         m.targetSong(),
			Intervening:    intervening,
		})
		if decision != DecisionRebase {
			return nil, &ConflictError{CurrentVersion: current.Version}
		}
		rebased = true
	}

	change, err := c.commit(ctx, &m, current.Version, rebased)
	if err != nil {
		return nil, err
	}

	// The commit stands even if the originator is gone, so the broadcast
	// must not die with the request context.
	c.announcer.Announce(context.WithoutCancel(ctx), *change)
	return change, nil
}

func (c *Controller) commit(ctx context.Context, m *Mutation, expectedVersion int, rebased bool) (*CommittedChange, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, &PersistenceError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	now := c.now().UTC()

	// Check-and-increment first: this locks the setlist row, serializing
	// every concurrent commit on it, and closes the race between the
	// unlocked read and this write.
	sl, err := c.store.bumpVersion(ctx, tx, m.SetlistID, expectedVersion, m.Scalar, now)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "version check", Err: err}
	}

	effect := Effect{Rebased: rebased}
	if m.Scalar != nil {
		effect.Setlist = &sl
	}

	if m.Operation != OpScalarUpdate {
		entries, err := c.store.entriesTx(ctx, tx, m.SetlistID)
		if err != nil {
			return nil, &PersistenceError{Op: "read entries", Err: err}
		}

		newEntries, err := applyEntryOp(entries, m, rebased, &effect)
		if errors.Is(err, errRebaseLost) {
			// The stored state rolls back to expectedVersion.
			return nil, &ConflictError{CurrentVersion: expectedVersion}
		}
		if err != nil {
			return nil, err
		}

		if err := c.store.writeEntries(ctx, tx, m.SetlistID, newEntries); err != nil {
			return nil, &PersistenceError{Op: "write entries", Err: err}
		}
		effect.Entries = newEntries
	}

	if err := c.store.appendChange(ctx, tx, m.SetlistID, ChangeSummary{
		Version:     sl.Version,
		Operation:   m.Operation,
		SongID:      effect.SongID,
		CommittedAt: now,
	}); err != nil {
		return nil, &PersistenceError{Op: "journal change", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "commit", Err: err}
	}

	return &CommittedChange{
		SetlistID:       m.SetlistID,
		Version:         sl.Version,
		Operation:       m.Operation,
		Effect:          effect,
		CommittedAt:     now,
		OriginSessionID: m.OriginSessionID,
	}, nil
}

// applyEntryOp computes the new entry list for a membership operation. When
// rebased, positional arguments are reinterpreted against the live list by
// song identity; an intent that no longer resolves returns errRebaseLost.
func applyEntryOp(entries []Entry, m *Mutation, rebased bool, effect *Effect) ([]Entry, error) {
	switch m.Operation {
	case OpReplaceAll:
		seen := map[string]bool{}
		out := make([]Entry, 0, len(m.Entries))
		for _, e := range m.Entries {
			if e.SongID == "" {
				return nil, &ValidationError{Detail: "entry is missing songId"}
			}
			if seen[e.SongID] {
				return nil, &ValidationError{Detail: "duplicate song " + e.SongID}
			}
			seen[e.SongID] = true
			e.SetlistID = m.SetlistID
			out = append(out, e)
		}
		return renumber(out), nil

	case OpInsertAt:
		e := *m.Entry
		e.SetlistID = m.SetlistID
		if indexOfSong(entries, e.SongID) >= 0 {
			return nil, &ValidationError{Detail: "song already in setlist"}
		}
		index := m.Index
		if rebased {
			index = clampIndex(index, len(entries))
		} else if index < 0 || index > len(entries) {
			return nil, &ValidationError{Detail: "index out of range"}
		}
		effect.SongID = e.SongID
		effect.To = index
		return insertEntryAt(entries, e, index), nil

	case OpRemoveAt:
		index := m.Index
		if rebased {
			if m.SongID == "" {
				return nil, errRebaseLost
			}
			index = indexOfSong(entries, m.SongID)
			if index < 0 {
				return nil, errRebaseLost
			}
		} else {
			if index < 0 || index >= len(entries) {
				return nil, &ValidationError{Detail: "index out of range"}
			}
			if m.SongID != "" && entries[index].SongID != m.SongID {
				return nil, &ValidationError{Detail: "songId does not match index"}
			}
		}
		out, removed := removeEntryAt(entries, index)
		effect.SongID = removed.SongID
		effect.From = index
		return out, nil

	case OpMove:
		from, to := m.FromIndex, m.ToIndex
		if rebased {
			if m.SongID == "" {
				return nil, errRebaseLost
			}
			from = indexOfSong(entries, m.SongID)
			if from < 0 {
				return nil, errRebaseLost
			}
			to = clampIndex(to, len(entries)-1)
		} else {
			if from < 0 || from >= len(entries) || to < 0 || to >= len(entries) {
				return nil, &ValidationError{Detail: "index out of range"}
			}
			if m.SongID != "" && entries[from].SongID != m.SongID {
				return nil, &ValidationError{Detail: "songId does not match fromIndex"}
			}
		}
		effect.SongID = entries[from].SongID
		effect.From = from
		effect.To = to
		return moveEntry(entries, from, to), nil

	case OpUpdateEntry:
		index := indexOfSong(entries, m.SongID)
		if index < 0 {
			if rebased {
				return nil, errRebaseLost
			}
			return nil, &ValidationError{Detail: "song not in setlist"}
		}
		out := make([]Entry, len(entries))
		copy(out, entries)
		applyEntryPatch(&out[index], m.Metadata)
		effect.SongID = m.SongID
		return out, nil
	}

	return nil, &ValidationError{Detail: "unknown operation " + string(m.Operation)}
}

func validateMutation(m *Mutation) error {
	if m.SetlistID == "" {
		return &ValidationError{Detail: "missing setlistId"}
	}
	if m.BaseVersion < 1 {
		return &ValidationError{Detail: "baseVersion must be >= 1"}
	}
	switch m.Operation {
	case OpScalarUpdate:
		if m.Scalar.isEmpty() {
			return &ValidationError{Detail: "empty scalar patch"}
		}
	case OpReplaceAll:
		// An empty entries list is a valid full save: it clears the setlist.
	case OpInsertAt:
		if m.Entry == nil && m.SongID != "" {
			m.Entry = &Entry{SongID: m.SongID}
		}
		if m.Entry == nil || m.Entry.SongID == "" {
			return &ValidationError{Detail: "insert requires an entry with songId"}
		}
		if m.Scalar != nil {
			return &ValidationError{Detail: "scalar patch not allowed on membership operations"}
		}
	case OpRemoveAt, OpMove:
		// Index bounds depend on the live list and are checked in-transaction.
		if m.Scalar != nil {
			return &ValidationError{Detail: "scalar patch not allowed on membership operations"}
		}
	case OpUpdateEntry:
		if m.SongID == "" || m.Metadata == nil {
			return &ValidationError{Detail: "metadata update requires songId and a patch"}
		}
		if m.Scalar != nil {
			return &ValidationError{Detail: "scalar patch not allowed on membership operations"}
		}
	default:
		return &ValidationError{Detail: "unknown operation " + string(m.Operation)}
	}
	return nil
}
