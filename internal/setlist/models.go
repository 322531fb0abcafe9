package setlist

import (
	"time"
)

// Setlist is the versioned aggregate root. Every accepted mutation bumps
// Version by exactly one; LastEditedAt follows the commit timestamp.
type Setlist struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	Name            string     `json:"name"`
	Venue           string     `json:"venue"`
	Date            *time.Time `json:"date,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
	IsPublic        bool       `json:"isPublic"`
	IsArchived      bool       `json:"isArchived"`
	Version         int        `json:"version"`
	LastEditedAt    time.Time  `json:"lastEditedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Entry is one song in a setlist. Positions are 1-based and dense: for a
// setlist with N entries the positions are exactly {1..N}. A song appears
// at most once per setlist.
type Entry struct {
	SetlistID   string  `json:"setlistId"`
	SongID      string  `json:"songId"`
	Position    int     `json:"position"`
	Notes       string  `json:"notes"`
	CustomKey   *string `json:"customKey,omitempty"`
	CustomTempo *int    `json:"customTempo,omitempty"`
}

// Snapshot is the full authoritative state sent to a session on join and
// returned by the GET endpoint.
type Snapshot struct {
	Setlist Setlist `json:"setlist"`
	Entries []Entry `json:"entries"`
}

// OperationKind tags a mutation envelope.
type OperationKind string

const (
	OpScalarUpdate OperationKind = "setlist.update"
	OpReplaceAll   OperationKind = "entries.replace"
	OpInsertAt     OperationKind = "entries.insert"
	OpRemoveAt     OperationKind = "entries.remove"
	OpMove         OperationKind = "entries.move"
	OpUpdateEntry  OperationKind = "entries.updateMeta"
)

// isOrderingKind reports whether the kind is a position-based membership
// operation whose intent survives renumbering.
func isOrderingKind(kind OperationKind) bool {
	switch kind {
	case OpInsertAt, OpRemoveAt, OpMove, OpUpdateEntry:
		return true
	}
	return false
}

// ScalarPatch carries the scalar fields of an update; nil fields are left
// untouched.
type ScalarPatch struct {
	Name            *string    `json:"name,omitempty"`
	Venue           *string    `json:"venue,omitempty"`
	Date            *time.Time `json:"date,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	IsPublic        *bool      `json:"isPublic,omitempty"`
	IsArchived      *bool      `json:"isArchived,omitempty"`
}

func (p *ScalarPatch) isEmpty() bool {
	return p == nil || (p.Name == nil && p.Venue == nil && p.Date == nil &&
		p.DurationMinutes == nil && p.IsPublic == nil && p.IsArchived == nil)
}

// EntryPatch updates per-entry metadata; nil fields are left untouched.
type EntryPatch struct {
	Notes       *string `json:"notes,omitempty"`
	CustomKey   *string `json:"customKey,omitempty"`
	CustomTempo *int    `json:"customTempo,omitempty"`
}

// Mutation is the unit of work a client submits: an operation expressed
// against the version the client last saw. Indices are 0-based; positions
// stored in entries are 1-based.
type Mutation struct {
	SetlistID   string        `json:"setlistId"`
	BaseVersion int           `json:"baseVersion"`
	Operation   OperationKind `json:"operation"`

	Scalar    *ScalarPatch `json:"scalar,omitempty"`
	Entries   []Entry      `json:"entries,omitempty"`
	Entry     *Entry       `json:"entry,omitempty"`
	Index     int          `json:"index,omitempty"`
	FromIndex int          `json:"fromIndex,omitempty"`
	ToIndex   int          `json:"toIndex,omitempty"`
	SongID    string       `json:"songId,omitempty"`
	Metadata  *EntryPatch  `json:"metadata,omitempty"`

	OriginSessionID string `json:"originSessionId,omitempty"`
}

// targetSong returns the song the mutation is aimed at, if it names one.
func (m *Mutation) targetSong() string {
	switch m.Operation {
	case OpInsertAt:
		if m.Entry != nil {
			return m.Entry.SongID
		}
	case OpRemoveAt, OpMove, OpUpdateEntry:
		return m.SongID
	}
	return ""
}

// Effect describes what a committed change did, in enough detail for every
// client to reconcile without refetching.
type Effect struct {
	Setlist *Setlist `json:"setlist,omitempty"`
	Entries []Entry  `json:"entries,omitempty"`
	SongID  string   `json:"songId,omitempty"`
	From    int      `json:"from,omitempty"`
	To      int      `json:"to,omitempty"`
	Rebased bool     `json:"rebased,omitempty"`
}

// CommittedChange is the promoted form of an accepted mutation: persisted,
// versioned, and broadcast to every session in the setlist's room.
type CommittedChange struct {
	SetlistID       string        `json:"setlistId"`
	Version         int           `json:"version"`
	Operation       OperationKind `json:"operation"`
	Effect          Effect        `json:"effect"`
	CommittedAt     time.Time     `json:"committedAt"`
	OriginSessionID string        `json:"originSessionId,omitempty"`
}

// ChangeSummary is one journal row, used both for the change history
// endpoint and as policy input when deciding a rebase.
type ChangeSummary struct {
	Version     int           `json:"version"`
	Operation   OperationKind `json:"operation"`
	SongID      string        `json:"songId,omitempty"`
	CommittedAt time.Time     `json:"committedAt"`
}
