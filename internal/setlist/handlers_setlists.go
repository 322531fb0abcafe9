package setlist

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

type createEntry struct {
	SongID      string  `json:"songId"`
	Notes       string  `json:"notes"`
	CustomKey   *string `json:"customKey,omitempty"`
	CustomTempo *int    `json:"customTempo,omitempty"`
}

func (s *Server) handleCreateSetlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := requestUserID(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}

	var body struct {
		Name            string        `json:"name"`
		Venue           string        `json:"venue"`
		Date            *time.Time    `json:"date"`
		DurationMinutes int           `json:"durationMinutes"`
		IsPublic        bool          `json:"isPublic"`
		Songs           []createEntry `json:"songs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	body.Venue = strings.TrimSpace(body.Venue)

	if body.Name == "" || len(body.Name) > 200 {
		writeError(w, http.StatusBadRequest, "name must be between 1 and 200 characters")
		return
	}
	if len(body.Venue) > 300 {
		writeError(w, http.StatusBadRequest, "venue is too long")
		return
	}
	if body.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "durationMinutes must be >= 0")
		return
	}
	seen := map[string]bool{}
	for _, song := range body.Songs {
		if song.SongID == "" {
			writeError(w, http.StatusBadRequest, "song is missing songId")
			return
		}
		if seen[song.SongID] {
			writeError(w, http.StatusBadRequest, "duplicate song "+song.SongID)
			return
		}
		seen[song.SongID] = true
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		log.Printf("setlist-service: create setlist begin tx: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	defer tx.Rollback(ctx)

	var sl Setlist
	err = scanSetlist(tx.QueryRow(ctx, `
		INSERT INTO setlists (owner_id, name, venue, date, duration_minutes, is_public)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+setlistColumns+`
	`, ownerID, body.Name, body.Venue, body.Date, body.DurationMinutes, body.IsPublic), &sl)
	if err != nil {
		log.Printf("setlist-service: create setlist insert: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	entries := make([]Entry, 0, len(body.Songs))
	for i, song := range body.Songs {
		e := Entry{
			SetlistID:   sl.ID,
			SongID:      song.SongID,
			Position:    i + 1,
			Notes:       song.Notes,
			CustomKey:   song.CustomKey,
			CustomTempo: song.CustomTempo,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO setlist_songs (setlist_id, song_id, position, notes, custom_key, custom_tempo)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.SetlistID, e.SongID, e.Position, e.Notes, e.CustomKey, e.CustomTempo); err != nil {
			log.Printf("setlist-service: create setlist songs: %v", err)
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		entries = append(entries, e)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("setlist-service: create setlist commit: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusCreated, Snapshot{Setlist: sl, Entries: entries})
}

func (s *Server) handleListSetlists(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)

	// Public setlists, my own, and those I collaborate on.
	rows, err := s.db.Query(ctx, `
		SELECT sl.id, sl.owner_id, sl.name, sl.venue, sl.date, sl.duration_minutes,
		       sl.is_public, sl.is_archived, sl.version, sl.last_edited_at, sl.created_at
		FROM setlists sl
		LEFT JOIN setlist_collaborators sc ON sl.id = sc.setlist_id AND sc.user_id = $1
		WHERE sl.deleted_at IS NULL
		  AND (sl.is_public = TRUE
		   OR ($1 <> '' AND sl.owner_id = $1)
		   OR ($1 <> '' AND sc.user_id IS NOT NULL))
		ORDER BY sl.last_edited_at DESC
		LIMIT 200
	`, userID)
	if err != nil {
		log.Printf("setlist-service: list setlists: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	defer rows.Close()

	setlists := []Setlist{}
	for rows.Next() {
		var sl Setlist
		if err := scanSetlist(rows, &sl); err != nil {
			log.Printf("setlist-service: list setlists scan: %v", err)
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		setlists = append(setlists, sl)
	}
	if err := rows.Err(); err != nil {
		log.Printf("setlist-service: list setlists rows: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusOK, setlists)
}

func (s *Server) handleGetSetlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	setlistID := chi.URLParam(r, "id")

	if !s.requireAccess(w, r, setlistID, userID, false) {
		return
	}

	snap, err := s.store.Snapshot(ctx, setlistID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "setlist not found")
		return
	}
	if err != nil {
		log.Printf("setlist-service: get setlist: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSetlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")

	// Only the owner can delete.
	tag, err := s.db.Exec(ctx, `
		UPDATE setlists
		SET deleted_at = now()
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
	`, setlistID, userID)
	if err != nil {
		log.Printf("setlist-service: delete setlist: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, http.StatusNotFound, "setlist not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
