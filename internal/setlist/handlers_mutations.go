package setlist

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleApplyMutation is the non-realtime edit path: REST clients submit the
// same envelopes websocket sessions do.
func (s *Server) handleApplyMutation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")

	var m Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m.SetlistID = setlistID
	m.OriginSessionID = ""

	if !s.requireAccess(w, r, setlistID, userID, true) {
		return
	}

	change, err := s.ctrl.Apply(ctx, m)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// handleSaveSetlist is the full-save path: scalar fields plus the complete
// song list in one envelope, one version bump.
func (s *Server) handleSaveSetlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")

	var body struct {
		BaseVersion     int           `json:"baseVersion"`
		Name            *string       `json:"name"`
		Venue           *string       `json:"venue"`
		Date            *time.Time    `json:"date"`
		DurationMinutes *int          `json:"durationMinutes"`
		IsPublic        *bool         `json:"isPublic"`
		IsArchived      *bool         `json:"isArchived"`
		Songs           []createEntry `json:"songs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name != nil {
		trimmed := strings.TrimSpace(*body.Name)
		if trimmed == "" || len(trimmed) > 200 {
			writeError(w, http.StatusBadRequest, "name must be between 1 and 200 characters")
			return
		}
		body.Name = &trimmed
	}

	if !s.requireAccess(w, r, setlistID, userID, true) {
		return
	}

	scalar := &ScalarPatch{
		Name:            body.Name,
		Venue:           body.Venue,
		Date:            body.Date,
		DurationMinutes: body.DurationMinutes,
		IsPublic:        body.IsPublic,
		IsArchived:      body.IsArchived,
	}
	if scalar.isEmpty() {
		scalar = nil
	}

	m := Mutation{
		SetlistID:   setlistID,
		BaseVersion: body.BaseVersion,
		Scalar:      scalar,
	}
	if body.Songs != nil {
		m.Operation = OpReplaceAll
		for i, song := range body.Songs {
			m.Entries = append(m.Entries, Entry{
				SongID:      song.SongID,
				Position:    i + 1,
				Notes:       song.Notes,
				CustomKey:   song.CustomKey,
				CustomTempo: song.CustomTempo,
			})
		}
	} else {
		m.Operation = OpScalarUpdate
	}

	change, err := s.ctrl.Apply(ctx, m)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	setlistID := chi.URLParam(r, "id")

	if !s.requireAccess(w, r, setlistID, userID, false) {
		return
	}

	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	changes, err := s.store.ChangesSince(ctx, setlistID, since)
	if err != nil {
		log.Printf("setlist-service: list changes: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
