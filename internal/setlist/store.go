package setlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs; tests substitute mocks.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store is the durable record of setlists, their ordered entries, and the
// per-setlist version counter that arbitrates conflicts.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

const setlistColumns = `id, owner_id, name, venue, date, duration_minutes,
       is_public, is_archived, version, last_edited_at, created_at`

func scanSetlist(row pgx.Row, sl *Setlist) error {
	return row.Scan(
		&sl.ID,
		&sl.OwnerID,
		&sl.Name,
		&sl.Venue,
		&sl.Date,
		&sl.DurationMinutes,
		&sl.IsPublic,
		&sl.IsArchived,
		&sl.Version,
		&sl.LastEditedAt,
		&sl.CreatedAt,
	)
}

// Read returns the setlist's scalar fields and current version without
// taking any lock.
func (s *Store) Read(ctx context.Context, setlistID string) (Setlist, error) {
	var sl Setlist
	err := scanSetlist(s.db.QueryRow(ctx, `
		SELECT `+setlistColumns+`
		FROM setlists
		WHERE id = $1 AND deleted_at IS NULL
	`, setlistID), &sl)
	if errors.Is(err, pgx.ErrNoRows) {
		return Setlist{}, ErrNotFound
	}
	return sl, err
}

// Entries returns the ordered entries for a setlist.
func (s *Store) Entries(ctx context.Context, setlistID string) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT setlist_id, song_id, position, notes, custom_key, custom_tempo
		FROM setlist_songs
		WHERE setlist_id = $1
		ORDER BY position
	`, setlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SetlistID, &e.SongID, &e.Position, &e.Notes, &e.CustomKey, &e.CustomTempo); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Snapshot returns the full authoritative state of a setlist.
func (s *Store) Snapshot(ctx context.Context, setlistID string) (Snapshot, error) {
	sl, err := s.Read(ctx, setlistID)
	if err != nil {
		return Snapshot{}, err
	}
	entries, err := s.Entries(ctx, setlistID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Setlist: sl, Entries: entries}, nil
}

// ChangesSince returns committed changes with version strictly greater than
// sinceVersion, oldest first.
func (s *Store) ChangesSince(ctx context.Context, setlistID string, sinceVersion int) ([]ChangeSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT version, operation, song_id, committed_at
		FROM setlist_changes
		WHERE setlist_id = $1 AND version > $2
		ORDER BY version
	`, setlistID, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []ChangeSummary{}
	for rows.Next() {
		var c ChangeSummary
		if err := rows.Scan(&c.Version, &c.Operation, &c.SongID, &c.CommittedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// bumpVersion is the atomic check-and-increment at the heart of conflict
// arbitration: the UPDATE only matches when the stored version still equals
// expectedVersion, so of two racing commits exactly one succeeds. Scalar
// fields from patch are applied in the same statement. Runs inside the
// caller's transaction.
func (s *Store) bumpVersion(ctx context.Context, tx pgx.Tx, setlistID string, expectedVersion int, patch *ScalarPatch, now time.Time) (Setlist, error) {
	sets := []string{"version = version + 1", "last_edited_at = $3"}
	args := []any{setlistID, expectedVersion, now}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch != nil {
		if patch.Name != nil {
			add("name", *patch.Name)
		}
		if patch.Venue != nil {
			add("venue", *patch.Venue)
		}
		if patch.Date != nil {
			add("date", *patch.Date)
		}
		if patch.DurationMinutes != nil {
			add("duration_minutes", *patch.DurationMinutes)
		}
		if patch.IsPublic != nil {
			add("is_public", *patch.IsPublic)
		}
		if patch.IsArchived != nil {
			add("is_archived", *patch.IsArchived)
		}
	}

	var sl Setlist
	err := scanSetlist(tx.QueryRow(ctx, `
		UPDATE setlists
		SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING `+setlistColumns+`
	`, args...), &sl)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the setlist is gone or another commit slipped in between
		// the caller's read and this write.
		var current int
		lookupErr := tx.QueryRow(ctx, `
			SELECT version FROM setlists WHERE id = $1 AND deleted_at IS NULL
		`, setlistID).Scan(&current)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return Setlist{}, ErrNotFound
		}
		if lookupErr != nil {
			return Setlist{}, lookupErr
		}
		return Setlist{}, &ConflictError{CurrentVersion: current}
	}
	return sl, err
}

// entriesTx reads the ordered entries inside a transaction. The setlist row
// lock taken by bumpVersion already serializes writers, so no FOR UPDATE is
// needed here.
func (s *Store) entriesTx(ctx context.Context, tx pgx.Tx, setlistID string) ([]Entry, error) {
	rows, err := tx.Query(ctx, `
		SELECT setlist_id, song_id, position, notes, custom_key, custom_tempo
		FROM setlist_songs
		WHERE setlist_id = $1
		ORDER BY position
	`, setlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SetlistID, &e.SongID, &e.Position, &e.Notes, &e.CustomKey, &e.CustomTempo); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// writeEntries replaces the stored entry set with the given list, which must
// already be densely renumbered. Delete-then-insert sidesteps transient
// unique violations on (setlist_id, position) that positional shift updates
// would cause.
func (s *Store) writeEntries(ctx context.Context, tx pgx.Tx, setlistID string, entries []Entry) error {
	if _, err := tx.Exec(ctx, `
		DELETE FROM setlist_songs WHERE setlist_id = $1
	`, setlistID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO setlist_songs (setlist_id, song_id, position, notes, custom_key, custom_tempo)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, setlistID, e.SongID, e.Position, e.Notes, e.CustomKey, e.CustomTempo); err != nil {
			return err
		}
	}
	return nil
}

// appendChange journals a committed change in the same transaction that
// produced it.
func (s *Store) appendChange(ctx context.Context, tx pgx.Tx, setlistID string, change ChangeSummary) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO setlist_changes (setlist_id, version, operation, song_id, committed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, setlistID, change.Version, string(change.Operation), change.SongID, change.CommittedAt)
	return err
}
