package setlist

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request, setlistID, userID string) bool {
	ownerID, _, err := s.getSetlistAccessInfo(r.Context(), setlistID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "setlist not found")
		return false
	}
	if err != nil {
		log.Printf("setlist-service: owner check: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return false
	}
	if userID != ownerID {
		writeError(w, http.StatusForbidden, "only the owner can manage collaborators")
		return false
	}
	return true
}

func (s *Server) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")

	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.UserID = strings.TrimSpace(body.UserID)
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing userId")
		return
	}

	if !s.requireOwner(w, r, setlistID, userID) {
		return
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO setlist_collaborators (setlist_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, setlistID, body.UserID); err != nil {
		log.Printf("setlist-service: add collaborator: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user context")
		return
	}
	setlistID := chi.URLParam(r, "id")
	collaboratorID := chi.URLParam(r, "userId")

	if !s.requireOwner(w, r, setlistID, userID) {
		return
	}

	if _, err := s.db.Exec(ctx, `
		DELETE FROM setlist_collaborators
		WHERE setlist_id = $1 AND user_id = $2
	`, setlistID, collaboratorID); err != nil {
		log.Printf("setlist-service: remove collaborator: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
