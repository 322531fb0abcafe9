package setlist

import "context"

// Pure list algebra for ordered entries. Every mutation path goes through
// renumber before the result is persisted, keeping positions dense {1..N}.

func renumber(entries []Entry) []Entry {
	for i := range entries {
		entries[i].Position = i + 1
	}
	return entries
}

func insertEntryAt(entries []Entry, e Entry, index int) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entries[:index]...)
	out = append(out, e)
	out = append(out, entries[index:]...)
	return renumber(out)
}

func removeEntryAt(entries []Entry, index int) ([]Entry, Entry) {
	removed := entries[index]
	out := make([]Entry, 0, len(entries)-1)
	out = append(out, entries[:index]...)
	out = append(out, entries[index+1:]...)
	return renumber(out), removed
}

// moveEntry is an atomic remove-then-insert: the target index addresses the
// list as it stands after removal, so chains of moves compose predictably.
func moveEntry(entries []Entry, from, to int) []Entry {
	shorter, moved := removeEntryAt(entries, from)
	return insertEntryAt(shorter, moved, to)
}

func indexOfSong(entries []Entry, songID string) int {
	for i, e := range entries {
		if e.SongID == songID {
			return i
		}
	}
	return -1
}

func clampIndex(index, max int) int {
	if index < 0 {
		return 0
	}
	if index > max {
		return max
	}
	return index
}

func applyEntryPatch(e *Entry, patch *EntryPatch) {
	if patch == nil {
		return
	}
	if patch.Notes != nil {
		e.Notes = *patch.Notes
	}
	if patch.CustomKey != nil {
		e.CustomKey = patch.CustomKey
	}
	if patch.CustomTempo != nil {
		e.CustomTempo = patch.CustomTempo
	}
}

// Ledger exposes the membership operations as version-checked mutations.
// Each call is one envelope submitted to the controller, so it shares the
// same conflict arbitration and broadcast path as every other edit.
type Ledger struct {
	ctrl *Controller
}

func NewLedger(ctrl *Controller) *Ledger {
	return &Ledger{ctrl: ctrl}
}

func (l *Ledger) ReplaceAll(ctx context.Context, setlistID string, expectedVersion int, entries []Entry) (*CommittedChange, error) {
	return l.ctrl.Apply(ctx, Mutation{
		SetlistID:   setlistID,
		BaseVersion: expectedVersion,
		Operation:   OpReplaceAll,
		Entries:     entries,
	})
}

func (l *Ledger) InsertAt(ctx context.Context, setlistID string, expectedVersion, index int, entry Entry) (*CommittedChange, error) {
	return l.ctrl.Apply(ctx, Mutation{
		SetlistID:   setlistID,
		BaseVersion: expectedVersion,
		Operation:   OpInsertAt,
		Index:       index,
		Entry:       &entry,
	})
}

func (l *Ledger) RemoveAt(ctx context.Context, setlistID string, expectedVersion, index int, songID string) (*CommittedChange, error) {
	return l.ctrl.Apply(ctx, Mutation{
		SetlistID:   setlistID,
		BaseVersion: expectedVersion,
		Operation:   OpRemoveAt,
		Index:       index,
		SongID:      songID,
	})
}

func (l *Ledger) Move(ctx context.Context, setlistID string, expectedVersion, fromIndex, toIndex int, songID string) (*CommittedChange, error) {
	return l.ctrl.Apply(ctx, Mutation{
		SetlistID:   setlistID,
		BaseVersion: expectedVersion,
		Operation:   OpMove,
		FromIndex:   fromIndex,
		ToIndex:     toIndex,
		SongID:      songID,
	})
}

func (l *Ledger) UpdateEntryMetadata(ctx context.Context, setlistID string, expectedVersion int, songID string, patch EntryPatch) (*CommittedChange, error) {
	return l.ctrl.Apply(ctx, Mutation{
		SetlistID:   setlistID,
		BaseVersion: expectedVersion,
		Operation:   OpUpdateEntry,
		SongID:      songID,
		Metadata:    &patch,
	})
}
