package setlist

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memDB is an in-memory stand-in for the database that understands exactly
// the SQL this package issues. Transactions copy state and only publish it
// on Commit, so rollback and mid-transaction failure behave like the real
// thing.
type memDB struct {
	mu            sync.Mutex
	setlist       *Setlist
	entries       []Entry
	changes       []ChangeSummary
	collaborators []string

	beginErr         error
	commitErr        error
	failExecContains string
}

func newMemDB(sl Setlist, entries []Entry) *memDB {
	return &memDB{setlist: &sl, entries: entries}
}

func (d *memDB) snapshotState() (Setlist, []Entry, []ChangeSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]Entry, len(d.entries))
	copy(entries, d.entries)
	changes := make([]ChangeSummary, len(d.changes))
	copy(changes, d.changes)
	return *d.setlist, entries, changes
}

func (d *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case strings.Contains(sql, "SET deleted_at"):
		if d.setlist == nil || d.setlist.ID != args[0] || d.setlist.OwnerID != args[1] {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		d.setlist = nil
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "INSERT INTO setlist_collaborators"):
		uid := args[1].(string)
		for _, existing := range d.collaborators {
			if existing == uid {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
		}
		d.collaborators = append(d.collaborators, uid)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM setlist_collaborators"):
		kept := d.collaborators[:0]
		for _, existing := range d.collaborators {
			if existing != args[1] {
				kept = append(kept, existing)
			}
		}
		d.collaborators = kept
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected Exec outside transaction: " + sql)
}

func (d *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryLocked(sql, args)
}

func (d *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryRowLocked(sql, args)
}

func (d *memDB) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &memTx{db: d}
	if d.setlist != nil {
		sl := *d.setlist
		tx.setlist = &sl
	}
	tx.entries = make([]Entry, len(d.entries))
	copy(tx.entries, d.entries)
	tx.changes = make([]ChangeSummary, len(d.changes))
	copy(tx.changes, d.changes)
	return tx, nil
}

func (d *memDB) queryLocked(sql string, args []any) (pgx.Rows, error) {
	if strings.Contains(sql, "LEFT JOIN setlist_collaborators") {
		rows := &sliceRows{}
		if d.setlist != nil && d.visibleToLocked(args[0].(string)) {
			rows.data = append(rows.data, setlistValues(*d.setlist))
		}
		return rows, nil
	}
	return queryState(sql, args, d.setlist, d.entries, d.changes)
}

func (d *memDB) visibleToLocked(userID string) bool {
	if d.setlist.IsPublic {
		return true
	}
	if userID == "" {
		return false
	}
	if d.setlist.OwnerID == userID {
		return true
	}
	for _, uid := range d.collaborators {
		if uid == userID {
			return true
		}
	}
	return false
}

func (d *memDB) queryRowLocked(sql string, args []any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT owner_id, is_public"):
		if d.setlist == nil || d.setlist.ID != args[0] {
			return errRow{pgx.ErrNoRows}
		}
		return valuesRow{d.setlist.OwnerID, d.setlist.IsPublic}
	case strings.Contains(sql, "FROM setlist_collaborators"):
		for _, uid := range d.collaborators {
			if uid == args[1] {
				return valuesRow{uid}
			}
		}
		return errRow{pgx.ErrNoRows}
	case strings.Contains(sql, "FROM setlists"):
		if d.setlist == nil || d.setlist.ID != args[0] {
			return errRow{pgx.ErrNoRows}
		}
		return setlistRow(*d.setlist)
	}
	return errRow{errors.New("unexpected QueryRow: " + sql)}
}

// memTx applies writes to its private copy; Commit publishes them.
type memTx struct {
	pgx.Tx // unimplemented methods panic if called

	db      *memDB
	setlist *Setlist
	entries []Entry
	changes []ChangeSummary
	done    bool
}

var setClauseRe = regexp.MustCompile(`(\w+) = \$(\d+)`)

func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO setlists"):
		now := time.Now().UTC()
		sl := Setlist{
			ID:              "sl-created",
			OwnerID:         args[0].(string),
			Name:            args[1].(string),
			Venue:           args[2].(string),
			Date:            args[3].(*time.Time),
			DurationMinutes: args[4].(int),
			IsPublic:        args[5].(bool),
			Version:         1,
			LastEditedAt:    now,
			CreatedAt:       now,
		}
		t.setlist = &sl
		t.entries = nil
		return setlistRow(sl)
	case strings.Contains(sql, "UPDATE setlists"):
		expected := args[1].(int)
		if t.setlist == nil || t.setlist.ID != args[0] {
			return errRow{pgx.ErrNoRows}
		}
		if t.setlist.Version != expected {
			return errRow{pgx.ErrNoRows}
		}
		t.setlist.Version++
		for _, m := range setClauseRe.FindAllStringSubmatch(sql, -1) {
			idx, _ := strconv.Atoi(m[2])
			v := args[idx-1]
			switch m[1] {
			case "last_edited_at":
				t.setlist.LastEditedAt = v.(time.Time)
			case "name":
				t.setlist.Name = v.(string)
			case "venue":
				t.setlist.Venue = v.(string)
			case "date":
				d := v.(time.Time)
				t.setlist.Date = &d
			case "duration_minutes":
				t.setlist.DurationMinutes = v.(int)
			case "is_public":
				t.setlist.IsPublic = v.(bool)
			case "is_archived":
				t.setlist.IsArchived = v.(bool)
			}
		}
		return setlistRow(*t.setlist)
	case strings.Contains(sql, "SELECT version FROM setlists"):
		if t.setlist == nil {
			return errRow{pgx.ErrNoRows}
		}
		return valuesRow{t.setlist.Version}
	}
	return errRow{errors.New("unexpected tx QueryRow: " + sql)}
}

func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return queryState(sql, args, t.setlist, t.entries, t.changes)
}

func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.db.failExecContains != "" && strings.Contains(sql, t.db.failExecContains) {
		return pgconn.CommandTag{}, errors.New("simulated storage failure")
	}
	switch {
	case strings.Contains(sql, "DELETE FROM setlist_songs"):
		t.entries = nil
	case strings.Contains(sql, "INSERT INTO setlist_songs"):
		t.entries = append(t.entries, Entry{
			SetlistID:   args[0].(string),
			SongID:      args[1].(string),
			Position:    args[2].(int),
			Notes:       args[3].(string),
			CustomKey:   args[4].(*string),
			CustomTempo: args[5].(*int),
		})
	case strings.Contains(sql, "INSERT INTO setlist_changes"):
		t.changes = append(t.changes, ChangeSummary{
			Version:     args[1].(int),
			Operation:   OperationKind(args[2].(string)),
			SongID:      args[3].(string),
			CommittedAt: args[4].(time.Time),
		})
	default:
		return pgconn.CommandTag{}, errors.New("unexpected tx Exec: " + sql)
	}
	return pgconn.CommandTag{}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.done = true
	t.db.setlist = t.setlist
	t.db.entries = t.entries
	t.db.changes = t.changes
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

func queryState(sql string, args []any, sl *Setlist, entries []Entry, changes []ChangeSummary) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "FROM setlist_songs"):
		rows := &sliceRows{}
		for _, e := range entries {
			rows.data = append(rows.data, []any{e.SetlistID, e.SongID, e.Position, e.Notes, e.CustomKey, e.CustomTempo})
		}
		return rows, nil
	case strings.Contains(sql, "FROM setlist_changes"):
		since := args[1].(int)
		rows := &sliceRows{}
		for _, c := range changes {
			if c.Version > since {
				rows.data = append(rows.data, []any{c.Version, string(c.Operation), c.SongID, c.CommittedAt})
			}
		}
		return rows, nil
	case strings.Contains(sql, "FROM setlists"):
		rows := &sliceRows{}
		if sl != nil {
			rows.data = append(rows.data, setlistValues(*sl))
		}
		return rows, nil
	}
	return nil, errors.New("unexpected Query: " + sql)
}

func setlistValues(sl Setlist) []any {
	return []any{sl.ID, sl.OwnerID, sl.Name, sl.Venue, sl.Date, sl.DurationMinutes,
		sl.IsPublic, sl.IsArchived, sl.Version, sl.LastEditedAt, sl.CreatedAt}
}

func setlistRow(sl Setlist) pgx.Row {
	return valuesRow(setlistValues(sl))
}

// valuesRow scans a fixed value list into scan destinations.
type valuesRow []any

func (r valuesRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, v := range r {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// sliceRows is a minimal pgx.Rows over pre-rendered value rows.
type sliceRows struct {
	pgx.Rows
	data [][]any
	idx  int
}

func (r *sliceRows) Next() bool {
	r.idx++
	return r.idx <= len(r.data)
}

func (r *sliceRows) Scan(dest ...any) error {
	return valuesRow(r.data[r.idx-1]).Scan(dest...)
}

func (r *sliceRows) Close()     {}
func (r *sliceRows) Err() error { return nil }

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *string:
		if v == nil {
			*d = ""
		} else if s, ok := v.(string); ok {
			*d = s
		} else {
			*d = string(v.(OperationKind))
		}
	case *OperationKind:
		if s, ok := v.(string); ok {
			*d = OperationKind(s)
		} else {
			*d = v.(OperationKind)
		}
	case *int:
		*d = v.(int)
	case *bool:
		*d = v.(bool)
	case *time.Time:
		*d = v.(time.Time)
	case **time.Time:
		if v == nil {
			*d = nil
		} else if p, ok := v.(*time.Time); ok {
			*d = p
		} else {
			t := v.(time.Time)
			*d = &t
		}
	case **string:
		if v == nil {
			*d = nil
		} else if p, ok := v.(*string); ok {
			*d = p
		} else {
			s := v.(string)
			*d = &s
		}
	case **int:
		if v == nil {
			*d = nil
		} else if p, ok := v.(*int); ok {
			*d = p
		} else {
			n := v.(int)
			*d = &n
		}
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// recordAnnouncer captures broadcast changes for assertions.
type recordAnnouncer struct {
	mu      sync.Mutex
	changes []CommittedChange
}

func (a *recordAnnouncer) Announce(_ context.Context, change CommittedChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, change)
}

func (a *recordAnnouncer) all() []CommittedChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CommittedChange, len(a.changes))
	copy(out, a.changes)
	return out
}
